package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/danshapiro/voicetest/internal/config"
	"github.com/danshapiro/voicetest/internal/engine"
	"github.com/danshapiro/voicetest/internal/graph"
	"github.com/danshapiro/voicetest/internal/judge"
	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/llm/providers"
	"github.com/danshapiro/voicetest/internal/metrics"
	"github.com/danshapiro/voicetest/internal/runner"
	"github.com/danshapiro/voicetest/internal/store"
	"github.com/danshapiro/voicetest/internal/suite"
)

type runOptions struct {
	agentPath   string
	tests       []string
	simulator   string
	agent       string
	judge       string
	maxTurns    int
	concurrency int
	jsonOut     bool
	noStore     bool
	metricsFile string
}

func newRunCommand(a *app) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run --agent <graph> <tests>...",
		Short: "Run test suites against an agent graph",
		Long:  "Arguments are suite files, directories (searched for *.yaml, *.yml and *.json) or doublestar globs.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, o, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.agentPath, "agent", "a", "", "agent graph file (YAML or JSON)")
	f.StringSliceVarP(&o.tests, "test", "t", nil, "only run the named tests")
	f.StringVar(&o.simulator, "simulator-model", "", "override models.simulator (provider/model)")
	f.StringVar(&o.agent, "agent-model", "", "override models.agent (provider/model)")
	f.StringVar(&o.judge, "judge-model", "", "override models.judge (provider/model)")
	f.IntVar(&o.maxTurns, "max-turns", 0, "override run.max_turns")
	f.IntVar(&o.concurrency, "concurrency", 0, "override run.concurrency")
	f.BoolVar(&o.jsonOut, "json", false, "print the run as JSON")
	f.BoolVar(&o.noStore, "no-store", false, "do not save results")
	f.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func (o *runOptions) apply(cfg *config.RunConfigFile) {
	if o.simulator != "" {
		cfg.Models.Simulator = o.simulator
	}
	if o.agent != "" {
		cfg.Models.Agent = o.agent
	}
	if o.judge != "" {
		cfg.Models.Judge = o.judge
	}
	if o.maxTurns > 0 {
		cfg.Run.MaxTurns = o.maxTurns
	}
	if o.concurrency > 0 {
		cfg.Run.Concurrency = o.concurrency
	}
}

func (a *app) run(cmd *cobra.Command, o *runOptions, args []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	o.apply(cfg)

	g, err := graph.Load(o.agentPath)
	if err != nil {
		return errors.Wrapf(err, "load agent %s", o.agentPath)
	}
	files, err := suite.Discover(args...)
	if err != nil {
		return err
	}
	s, err := suite.Load(files...)
	if err != nil {
		return err
	}
	if s, err = s.Select(o.tests); err != nil {
		return err
	}
	if err := requireModels(cfg, s); err != nil {
		return err
	}

	col := metrics.New()
	client, err := providers.NewClient(cfg, providers.Options{})
	if err != nil {
		return err
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		client.Use(llm.RateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	client.Use(col.Middleware())

	r, closeRunner, err := a.buildRunner(client, cfg, col, !o.noStore)
	if err != nil {
		return err
	}
	defer closeRunner()

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, runErr := r.Run(ctx, g, s)
	if run == nil {
		return runErr
	}
	if o.metricsFile != "" {
		if err := col.WriteTextfile(o.metricsFile); err != nil {
			a.log.Warn("write metrics textfile", zap.String("path", o.metricsFile), zap.Error(err))
		}
	}

	out := cmd.OutOrStdout()
	if o.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return errors.Wrap(err, "encode run")
		}
	} else {
		renderRun(out, run)
	}
	if runErr != nil {
		return runErr
	}
	if !run.OK() {
		return errTestsFailed
	}
	return nil
}

func requireModels(cfg *config.RunConfigFile, s *suite.Suite) error {
	for _, tc := range s.Tests {
		if tc.Type == suite.TypeLLM {
			return cfg.RequireModels()
		}
	}
	if cfg.Models.Simulator == "" || cfg.Models.Agent == "" {
		return errors.New("models.simulator and models.agent are required")
	}
	return nil
}

// buildRunner wires the engine, judge and result store from the run configuration.
func (a *app) buildRunner(gen llm.Generator, cfg *config.RunConfigFile, col *metrics.Collectors, persist bool) (*runner.Runner, func(), error) {
	refs := map[string]llm.ModelRef{}
	for role, sel := range map[string]string{
		engine.RoleSimulator:  cfg.Models.Simulator,
		engine.RoleAgent:      cfg.Models.Agent,
		engine.RoleTransition: cfg.TransitionModel(),
		judge.RoleJudge:       cfg.Models.Judge,
	} {
		if sel == "" {
			continue
		}
		ref, err := llm.ParseModelRef(sel)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s model", role)
		}
		refs[role] = ref
	}

	eng := engine.New(gen, engine.Config{
		MaxTurns:   cfg.Run.MaxTurns,
		Simulator:  refs[engine.RoleSimulator],
		Agent:      refs[engine.RoleAgent],
		Transition: refs[engine.RoleTransition],
		Retry:      cfg.RetryPolicy(),
		Logger:     a.log,
		OnRetry:    col.ObserveRetry,
	})

	var j *judge.Judge
	if ref, ok := refs[judge.RoleJudge]; ok {
		var err error
		j, err = judge.New(gen, judge.Config{
			Model: ref,
			Retry: cfg.RetryPolicy(),
			Thresholds: judge.Thresholds{
				Default:  cfg.JudgeThreshold(),
				PerAgent: cfg.Judge.AgentThresholds,
			},
			Logger:  a.log,
			OnRetry: col.ObserveRetry,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	rc := runner.Config{
		Concurrency: cfg.Run.Concurrency,
		TestTimeout: cfg.TestTimeout(),
		Metrics:     col,
		Logger:      a.log,
	}
	closeFn := func() {}
	if persist {
		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		rc.Sink = st
		closeFn = func() {
			if err := st.Close(); err != nil {
				a.log.Warn("close result store", zap.Error(err))
			}
		}
	}
	return runner.New(eng, j, rc), closeFn, nil
}

// contextOrBackground lets commands run outside Execute in tests.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
