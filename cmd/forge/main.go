package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"autoforge/internal/collab"
	"autoforge/internal/config"
	"autoforge/internal/cycle"
	"autoforge/internal/ledger"
	"autoforge/internal/orchestrator"
	"autoforge/internal/ratelimit"
	"autoforge/internal/safety"
)

var (
	// Global flags
	workspace  string
	configPath string
	verbose    bool
	listenAddr string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "autoforge - autonomous self-improvement cycle engine",
	Long: `autoforge runs bounded self-improvement cycles against a repository:
it summarizes the codebase, asks a model for one small improvement,
implements it, validates the result against a safety gate, and publishes
the approved change as a GitHub pull request.

Every cycle is recorded in a durable ledger; 'forge status' and
'forge history' read it back.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes a single improvement cycle
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one improvement cycle to completion",
	Long: `Runs a single cycle through the full pipeline:
  1. Analyze: summarize the repository
  2. Propose: generate one improvement proposal
  3. Implement: turn the proposal into a changeset
  4. Validate: check the changeset against the safety gate (fixing rejected
     changes up to the fix-attempt limit)
  5. Publish: open a pull request with the approved changes`,
	RunE: runOnce,
}

// serveCmd runs periodic cycles plus the status HTTP endpoints
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run improvement cycles on an interval with HTTP status endpoints",
	Long: `Runs a cycle immediately, then one per configured interval, while
serving JSON status endpoints:

  GET /         service summary and latest cycle
  GET /status   status of the latest cycle (or ?cycle_id=...)
  GET /history  recent completed cycles (?limit=N)`,
	RunE: serve,
}

// statusCmd prints the status of a cycle
var statusCmd = &cobra.Command{
	Use:   "status [cycle-id]",
	Short: "Show the status of the latest (or a specific) cycle",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showStatus,
}

// historyCmd prints recent completed cycles
var historyCmd = &cobra.Command{
	Use:   "history [limit]",
	Short: "Show recent completed cycles, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "repository working tree to improve")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default <workspace>/forge.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8787", "address for the status HTTP server")

	rootCmd.AddCommand(runCmd, serveCmd, statusCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// engine bundles the orchestrator with everything it owns.
type engine struct {
	cfg          config.Config
	orchestrator *orchestrator.Orchestrator
	ledger       *ledger.Ledger
	limiter      *ratelimit.Limiter
}

func (e *engine) close() {
	e.limiter.Cleanup()
	if err := e.ledger.Close(); err != nil {
		logger.Warn("failed to close ledger", zap.Error(err))
	}
}

// buildEngine wires the full cycle engine from configuration.
func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(workspace, configPath)
	if err != nil {
		return nil, err
	}

	ldg, err := ledger.Open(cfg.StateDir, logger.Named("ledger"))
	if err != nil {
		return nil, err
	}

	checker, err := safety.NewChecker(cfg.Safety)
	if err != nil {
		ldg.Close()
		return nil, err
	}

	limiter := ratelimit.New(cfg.Budgets, logger.Named("ratelimit"))

	repo := collab.NewLocalRepo(cfg.Repo.Path)
	gemini, err := collab.NewGemini(ctx, cfg.Gemini, repo, logger.Named("gemini"))
	if err != nil {
		limiter.Cleanup()
		ldg.Close()
		return nil, err
	}

	publisher, err := collab.NewGitHubPublisher(cfg.GitHub, logger.Named("github"))
	if err != nil {
		limiter.Cleanup()
		ldg.Close()
		return nil, err
	}

	orch := orchestrator.New(cfg.Orchestrator, limiter, checker, ldg,
		gemini, gemini, gemini, publisher, logger.Named("orchestrator"))

	return &engine{cfg: cfg, orchestrator: orch, ledger: ldg, limiter: limiter}, nil
}

// openLedgerOnly supports the read-only commands; no API keys needed.
func openLedgerOnly() (config.Config, *ledger.Ledger, error) {
	cfg, err := config.Load(workspace, configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	ldg, err := ledger.Open(cfg.StateDir, logger.Named("ledger"))
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, ldg, nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	rec, err := eng.orchestrator.RunCycle(ctx)
	if err != nil {
		return err
	}

	printJSON(cmd, rec)
	if rec.Stage != cycle.StageCompleted {
		return fmt.Errorf("cycle %s failed: %s", rec.ID, rec.FailureReason)
	}
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	_, ldg, err := openLedgerOnly()
	if err != nil {
		return err
	}
	defer ldg.Close()

	cycleID := ""
	if len(args) > 0 {
		cycleID = args[0]
	}
	st, err := ldg.GetStatus(cycleID)
	if err != nil {
		return err
	}
	printJSON(cmd, st)
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	_, ldg, err := openLedgerOnly()
	if err != nil {
		return err
	}
	defer ldg.Close()

	limit := 0
	if len(args) > 0 {
		limit, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid limit %q: %w", args[0], err)
		}
	}
	history, err := ldg.GetHistory(limit)
	if err != nil {
		return err
	}
	printJSON(cmd, history)
	return nil
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Warn("failed to encode output", zap.Error(err))
	}
}
