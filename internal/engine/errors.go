package engine

import (
	"fmt"
	"time"
)

// ModelInvocationError is a role call that still failed after bounded retries. It
// aborts only the conversation or metric evaluation that issued it.
type ModelInvocationError struct {
	Role string
	Err  error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("%s model invocation failed: %v", e.Role, e.Err)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// SimulationTimeoutError describes a conversation stopped by max_turns or the
// wall-clock bound. It is recorded on the transcript, never returned as a failure.
type SimulationTimeoutError struct {
	MaxTurns  int
	Elapsed   time.Duration
	WallClock bool
}

func (e *SimulationTimeoutError) Error() string {
	if e.WallClock {
		return fmt.Sprintf("simulation stopped by wall-clock timeout after %s", e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("simulation reached max_turns=%d without a completion signal", e.MaxTurns)
}
