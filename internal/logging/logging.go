// Package logging constructs the structured console loggers shared by the run.
package logging

import (
	"fmt"
	"sync"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
)

var (
	defaultLogger glog.Logger
	defaultOnce   sync.Once
)

// New returns a named console logger at info level, or debug when debug is set.
func New(name string, debug bool) (glog.Logger, error) {
	level := glog.LevelInfo
	if debug {
		level = glog.LevelDebug
	}
	logger, err := glog.NewConsoleWithName(name, level)
	if err != nil {
		return nil, errors.Wrapf(err, "create logger %s", name)
	}
	return logger, nil
}

// Default is the process-wide fallback for components constructed without a logger.
func Default() glog.Logger {
	defaultOnce.Do(func() {
		var err error
		defaultLogger, err = New("voicetest", false)
		if err != nil {
			panic(fmt.Sprintf("failed to create logger: %+v", err))
		}
	})
	return defaultLogger
}

// OrDefault returns l unless it is nil.
func OrDefault(l glog.Logger) glog.Logger {
	if l == nil {
		return Default()
	}
	return l
}
