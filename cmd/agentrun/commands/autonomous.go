package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opencode-ai/agentrun/internal/agent"
	"github.com/opencode-ai/agentrun/internal/autonomous/circuit"
	"github.com/opencode-ai/agentrun/internal/autonomous/ratelimit"
	"github.com/opencode-ai/agentrun/internal/autonomous/supervisor"
	"github.com/opencode-ai/agentrun/internal/config"
	"github.com/opencode-ai/agentrun/internal/contextmgr"
	"github.com/opencode-ai/agentrun/internal/llm"
	"github.com/opencode-ai/agentrun/internal/orchestrator"
	"github.com/opencode-ai/agentrun/internal/safety"
	"github.com/opencode-ai/agentrun/internal/sessionstore"
	"github.com/opencode-ai/agentrun/internal/tool"
	"github.com/opencode-ai/agentrun/internal/turn"
	"github.com/spf13/cobra"
)

var (
	autonomousDir            string
	autonomousAgent          string
	autonomousTitle          string
	autonomousMaxIterations  int
	autonomousChecklistFile  string
	autonomousBuildRunFile   string
	autonomousMaxCallsPerWin int
	autonomousWindow         string
)

var autonomousCmd = &cobra.Command{
	Use:   "autonomous [instructions...]",
	Short: "Run a bounded autonomous loop against a durable instruction bundle",
	Long: `Run OpenCode in autonomous mode: a supervised loop of turns against a
durable instruction bundle, gated every iteration by a rate limiter and a
circuit breaker, and stopped only on an explicit completion signal, a
tripped circuit, an exhausted iteration budget, or cancellation.

Session continuity, the rate-limit bucket, the circuit breaker's transition
history, and per-iteration response analyses are all persisted under the
session's own directory so a later invocation can resume where the last
one stopped.

Examples:
  opencode autonomous "Migrate the billing package off the legacy client"
  opencode autonomous --max-iterations 20 --checklist-file TASKS.md "Ship the fix"`,
	RunE: runAutonomous,
}

func init() {
	autonomousCmd.Flags().StringVarP(&autonomousDir, "directory", "d", "", "Working directory")
	autonomousCmd.Flags().StringVar(&autonomousAgent, "agent", "", "Agent to use")
	autonomousCmd.Flags().StringVar(&autonomousTitle, "title", "", "Session title")
	autonomousCmd.Flags().IntVar(&autonomousMaxIterations, "max-iterations", 25, "Maximum loop iterations before halting")
	autonomousCmd.Flags().StringVar(&autonomousChecklistFile, "checklist-file", "", "File whose contents are appended as the iteration checklist")
	autonomousCmd.Flags().StringVar(&autonomousBuildRunFile, "build-run-file", "", "File whose contents are appended as build/run instructions")
	autonomousCmd.Flags().IntVar(&autonomousMaxCallsPerWin, "max-calls", 0, "Rate limiter calls per window (0 = spec default)")
	autonomousCmd.Flags().StringVar(&autonomousWindow, "window", "", "Rate limiter window, e.g. 1h (empty = spec default)")
}

func runAutonomous(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(autonomousDir)
	if err != nil {
		return err
	}

	instructions := strings.Join(args, " ")
	if instructions == "" {
		return fmt.Errorf("instructions required. Usage: opencode autonomous \"do the thing\"")
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	sessionRoot := paths.AutonomousPath()
	if err := os.MkdirAll(sessionRoot, 0755); err != nil {
		return fmt.Errorf("failed to create autonomous session root: %w", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	ctx := context.Background()
	providerReg, err := llm.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	store := sessionstore.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, store)
	permChecker := safety.NewChecker()

	orch := orchestrator.New(toolReg, permChecker, store)
	ctxmgr := contextmgr.New(store, providerReg)
	engine := turn.New(providerReg, store, toolReg, orch, ctxmgr)
	if appConfig.Model != "" {
		parts := strings.SplitN(appConfig.Model, "/", 2)
		if len(parts) == 2 {
			engine.DefaultProviderID = parts[0]
			engine.DefaultModelID = parts[1]
		}
	}

	agentName := autonomousAgent
	if agentName == "" {
		agentName = "build"
	}
	ag, ok := agent.BuiltInAgents()[agentName]
	if !ok {
		ag = agent.BuiltInAgents()["build"]
	}
	ag = ag.Clone()

	rlConfig := ratelimit.DefaultConfig()
	if autonomousMaxCallsPerWin > 0 {
		rlConfig.MaxCallsPerWindow = autonomousMaxCallsPerWin
	}
	if autonomousWindow != "" {
		window, err := time.ParseDuration(autonomousWindow)
		if err != nil {
			return fmt.Errorf("invalid window: %w", err)
		}
		rlConfig.Window = window
	}
	limiter := ratelimit.New(rlConfig, ratelimit.NewFilePersister(sessionRoot))
	circuitConfig := circuit.DefaultConfig()
	breakers := circuit.NewRegistry(circuitConfig)

	sup := supervisor.New(engine, sessionstore.NewService(store), limiter, breakers)

	bundle := supervisor.PromptBundle{Instructions: instructions}
	if autonomousChecklistFile != "" {
		data, err := os.ReadFile(autonomousChecklistFile)
		if err != nil {
			return fmt.Errorf("failed to read checklist file: %w", err)
		}
		bundle.Checklist = string(data)
	}
	if autonomousBuildRunFile != "" {
		data, err := os.ReadFile(autonomousBuildRunFile)
		if err != nil {
			return fmt.Errorf("failed to read build/run file: %w", err)
		}
		bundle.BuildRun = string(data)
	}

	cfg := supervisor.Config{
		MaxIterations: autonomousMaxIterations,
		Bundle:        bundle,
		Agent:         ag,
		SessionRoot:   sessionRoot,
		RateLimit:     rlConfig,
		Circuit:       circuitConfig,
	}

	result, runErr := sup.Run(ctx, cfg, workDir, autonomousTitle)
	if result != nil {
		fmt.Printf("session %s halted: %s (iterations=%d)\n", result.SessionID, result.Reason, result.Iterations)
		os.Exit(result.ExitCode)
	}
	if runErr != nil {
		return fmt.Errorf("autonomous run error: %w", runErr)
	}
	return nil
}
