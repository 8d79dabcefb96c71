package main

import (
	"fmt"
	"os"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/danshapiro/voicetest/internal/config"
	"github.com/danshapiro/voicetest/internal/logging"
)

// errTestsFailed makes run exit non-zero without printing another error line.
var errTestsFailed = errors.New("one or more tests did not pass")

const defaultConfigPath = "voicetest.yaml"

type app struct {
	configPath string
	envFile    string
	debug      bool
	log        glog.Logger
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errTestsFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "voicetest",
		Short:         "Simulate and score voice agent conversations",
		Long:          "voicetest drives simulated callers through an agent graph, scores the transcripts with a judge model and reports duplicated prompt text.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "run configuration file (default voicetest.yaml when present)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file with provider API keys; missing is fine")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "debug logging")

	root.AddCommand(newRunCommand(a))
	root.AddCommand(newValidateCommand(a))
	root.AddCommand(newDryCommand(a))
	root.AddCommand(newExportCommand(a))
	root.AddCommand(newSnippetCommand(a))
	root.AddCommand(newResultsCommand(a))
	return root
}

func (a *app) init() error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "load %s", a.envFile)
		}
	}
	log, err := logging.New("voicetest", a.debug)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// loadConfig reads --config, or voicetest.yaml when it exists, or the defaults.
func (a *app) loadConfig() (*config.RunConfigFile, error) {
	path := a.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return config.Default(), nil
		}
		path = defaultConfigPath
	}
	cfg, err := config.LoadRunConfigFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return cfg, nil
}
