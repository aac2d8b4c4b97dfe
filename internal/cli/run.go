package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmacy/vibe-orchestrator/internal/agents"
	"github.com/mmacy/vibe-orchestrator/internal/config"
	"github.com/mmacy/vibe-orchestrator/internal/engine"
	"github.com/mmacy/vibe-orchestrator/internal/events"
	"github.com/mmacy/vibe-orchestrator/internal/ghsvc"
	"github.com/mmacy/vibe-orchestrator/internal/gitsvc"
	"github.com/mmacy/vibe-orchestrator/internal/runstore"
)

var (
	implementerKind string
	reviewerKind    string
	verbose         bool
)

var runCmd = &cobra.Command{
	Use:   "run \"<task>\"",
	Short: "Create a run and drive it to a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, logger, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		runID, err := eng.CreateRun(args[0], implementerKind, reviewerKind)
		if err != nil {
			return err
		}
		logger.Info("run created", zap.String("run_id", runID))
		return driveRun(eng, logger)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an existing run from disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(repoRoot)
		if err != nil {
			return err
		}
		snap, err := runstore.NewRegistry(root).Persistence(args[0]).LoadSnapshot()
		if err != nil {
			return err
		}
		if snap.State.Terminal() {
			fmt.Printf("%s is already terminal: %s\n", snap.RunID, snap.State)
			return nil
		}
		// Resume with the agents the run was created with.
		implementerKind = snap.ImplementerAgent
		reviewerKind = snap.ReviewerAgent

		eng, logger, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := eng.LoadRun(args[0]); err != nil {
			return err
		}
		logger.Info("run loaded",
			zap.String("run_id", snap.RunID),
			zap.String("state", string(snap.State)))
		return driveRun(eng, logger)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(repoRoot)
		if err != nil {
			return err
		}
		for _, snap := range runstore.NewRegistry(root).ListRuns() {
			line := fmt.Sprintf("%s  %-19s  iter=%d  %s", snap.RunID, snap.State, snap.Iteration, snap.Slug)
			if snap.FailureReason != "" {
				line += "  (" + snap.FailureReason + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&implementerKind, "implementer", "", "Implementer agent kind (claude|codex)")
	runCmd.Flags().StringVar(&reviewerKind, "reviewer", "", "Reviewer agent kind (claude|codex)")
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every subprocess line")
	}
}

func buildEngine() (*engine.Engine, *zap.Logger, func(), error) {
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, nil, nil, err
	}
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(root, config.DefaultPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if implementerKind == "" {
		implementerKind = cfg.Implementer.Kind
	}
	if reviewerKind == "" {
		reviewerKind = cfg.Reviewer.Kind
	}

	implementer, err := agents.NewRunner(implementerKind, cfg.Implementer.Executable, agents.RoleImplementer)
	if err != nil {
		return nil, nil, nil, err
	}
	reviewer, err := agents.NewRunner(reviewerKind, cfg.Reviewer.Executable, agents.RoleReviewer)
	if err != nil {
		return nil, nil, nil, err
	}

	git := gitsvc.New()
	git.ExcludeGlobs = cfg.Diff.Exclude
	gh := ghsvc.New(root)

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, nil, err
	}

	eng := engine.New(cfg.EngineConfig(root), git, gh, implementer, reviewer)
	git.Timeout = eng.Config.GitGHTimeout
	gh.Timeout = eng.Config.GitGHTimeout
	eng.OnEvent = eventSink(logger)
	cleanup := func() { _ = logger.Sync() }
	return eng, logger, cleanup, nil
}

// driveRun runs the engine until terminal; the first SIGINT/SIGTERM
// requests cooperative cancellation, the second exits hard.
func driveRun(eng *engine.Engine, logger *zap.Logger) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Warn("cancellation requested; finishing current step teardown")
		eng.Cancel()
		<-sigCh
		os.Exit(130)
	}()

	state, err := eng.Run(context.Background())
	if err != nil {
		return err
	}
	snap := eng.Snapshot()
	logger.Info("run finished",
		zap.String("run_id", snap.RunID),
		zap.String("state", string(state)),
		zap.Int("iteration", snap.Iteration))
	if state == runstore.StateFailed {
		return fmt.Errorf("run failed: %s", snap.FailureReason)
	}
	return nil
}

// eventSink maps audit events onto the logger. Subprocess lines are debug
// noise unless --verbose was given.
func eventSink(logger *zap.Logger) func(events.Event) {
	return func(ev events.Event) {
		fields := []zap.Field{zap.String("run_id", ev.String("run_id"))}
		switch ev.Type {
		case events.ProcessLine:
			if !verbose {
				return
			}
			logger.Debug(ev.String("line"),
				zap.String("role", ev.String("role")),
				zap.String("stream", ev.String("stream")))
		case events.StateChanged:
			fields = append(fields,
				zap.String("from", ev.String("from_state")),
				zap.String("to", ev.String("to_state")))
			if reason := ev.String("reason"); reason != "" {
				fields = append(fields, zap.String("reason", reason))
			}
			logger.Info(string(ev.Type), fields...)
		case events.RunFailed:
			logger.Error(string(ev.Type), append(fields, zap.String("reason", ev.String("reason")))...)
		case events.ErrorOccurred:
			logger.Error(string(ev.Type), append(fields,
				zap.String("error_type", ev.String("error_type")),
				zap.String("message", ev.String("message")))...)
		case events.AgentOutputReceived, events.AgentOutputValidated:
			logger.Info(string(ev.Type), append(fields, zap.String("role", ev.String("role")))...)
		default:
			logger.Info(string(ev.Type), fields...)
		}
	}
}
