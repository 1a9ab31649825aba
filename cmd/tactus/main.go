package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	tactus "github.com/tactus-ai/tactus"
	"github.com/tactus-ai/tactus/bdd"
)

var (
	flagParams     []string
	flagVerbose    bool
	flagJSON       bool
	flagStorageDir string
	flagSQLitePath string
	flagOpenAIBase string

	flagScenario   string
	flagMockConfig string
	flagParallel   bool
	flagNoParallel bool

	flagRuns    int
	flagWorkers int
)

func main() {
	root := &cobra.Command{
		Use:           "tactus",
		Short:         "Run, validate, test, and evaluate agentic procedures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit JSON output")

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a procedure and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE:  runProcedure,
	}
	runCmd.Flags().StringArrayVar(&flagParams, "param", nil, "parameter in k=v form (repeatable)")
	runCmd.Flags().StringVar(&flagStorageDir, "storage", "", "directory for file-backed storage")
	runCmd.Flags().StringVar(&flagSQLitePath, "sqlite", "", "path to a sqlite database for storage")
	runCmd.Flags().StringVar(&flagOpenAIBase, "openai-base-url", "", "override the OpenAI-compatible base URL")

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and static-check a procedure file",
		Args:  cobra.ExactArgs(1),
		RunE:  validateProcedure,
	}

	testCmd := &cobra.Command{
		Use:   "test <file>",
		Short: "Run the procedure's Gherkin scenarios in mock mode",
		Args:  cobra.ExactArgs(1),
		RunE:  testProcedure,
	}
	testCmd.Flags().StringVar(&flagScenario, "scenario", "", "run a single scenario by name")
	testCmd.Flags().Bool("mock", true, "run in mock mode (currently the only mode)")
	testCmd.Flags().StringVar(&flagMockConfig, "mock-config", "", "YAML file of mock tool responses")
	testCmd.Flags().BoolVar(&flagParallel, "parallel", true, "run scenarios in parallel")
	testCmd.Flags().BoolVar(&flagNoParallel, "no-parallel", false, "run scenarios serially")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate <file>",
		Short: "Run scenarios repeatedly and score consistency",
		Args:  cobra.ExactArgs(1),
		RunE:  evaluateProcedure,
	}
	evaluateCmd.Flags().StringVar(&flagScenario, "scenario", "", "evaluate a single scenario by name")
	evaluateCmd.Flags().Bool("mock", true, "run in mock mode (currently the only mode)")
	evaluateCmd.Flags().IntVar(&flagRuns, "runs", 0, "number of runs per scenario")
	evaluateCmd.Flags().IntVar(&flagWorkers, "workers", 0, "parallel worker cap")

	root.AddCommand(runCmd, validateCmd, testCmd, evaluateCmd)

	if err := root.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelError
	if flagVerbose {
		level = slog.LevelInfo
	}
	return tactus.NewLogger(level)
}

func parseParams(pairs []string) (map[string]any, error) {
	params := map[string]any{}
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid param %q, use k=v", pair)
		}
		// JSON first, string fallback.
		var value any
		if err := json.Unmarshal([]byte(parts[1]), &value); err != nil {
			value = parts[1]
		}
		params[parts[0]] = value
	}
	return params, nil
}

func buildStorage() (tactus.Storage, error) {
	switch {
	case flagSQLitePath != "":
		return tactus.NewSQLiteStorage(flagSQLitePath)
	case flagStorageDir != "":
		return tactus.NewFileStorage(flagStorageDir)
	default:
		return tactus.NewMemoryStorage(), nil
	}
}

func runProcedure(cmd *cobra.Command, args []string) error {
	proc, err := tactus.LoadFile(args[0])
	if err != nil {
		return err
	}
	params, err := parseParams(flagParams)
	if err != nil {
		return err
	}
	storage, err := buildStorage()
	if err != nil {
		return err
	}

	provider := tactus.NewOpenAIProvider(tactus.OpenAIOptions{BaseURL: flagOpenAIBase})
	rt, err := tactus.NewRuntime(tactus.RuntimeOptions{
		Storage:         storage,
		Providers:       map[string]tactus.Provider{"openai": provider},
		DefaultProvider: provider,
		Procedures:      loadSiblings(args[0], proc),
		Logger:          newLogger(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inv, err := rt.Spawn(proc.Name(), params)
	if err != nil {
		return err
	}
	color.Green("Invocation %s started", inv.ID())

	events, err := rt.Subscribe(inv.ID(), 0)
	if err != nil {
		return err
	}
	for event := range events {
		printEvent(event)
	}

	select {
	case <-inv.Done():
	case <-ctx.Done():
		inv.Cancel()
		<-inv.Done()
	}

	result, err := inv.Result()
	if err != nil {
		color.Red("Status: %s", inv.Status())
		return err
	}
	color.Green("Status: %s", inv.Status())
	if result != nil {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	}
	return nil
}

// loadSiblings registers the other procedure files in the target's
// directory so Procedure.run and spawn can resolve them.
func loadSiblings(path string, proc *tactus.Procedure) []*tactus.Procedure {
	procs := []*tactus.Procedure{proc}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return procs
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		sibling := filepath.Join(filepath.Dir(path), name)
		if sibling == path {
			continue
		}
		if other, err := tactus.LoadFile(sibling); err == nil && other.Name() != proc.Name() {
			procs = append(procs, other)
		}
	}
	return procs
}

func printEvent(event tactus.Event) {
	if flagJSON {
		data, _ := json.Marshal(event)
		fmt.Println(string(data))
		return
	}
	switch event.Type {
	case tactus.EventExecution:
		color.Cyan("[%d] execution %v", event.Seq, event.Payload["lifecycle"])
	case tactus.EventAgentTurn:
		color.Blue("[%d] agent %v turn %v (%v)", event.Seq, event.Payload["agent"], event.Payload["turn"], event.Payload["stage"])
	case tactus.EventToolCall:
		color.Magenta("[%d] tool %v", event.Seq, event.Payload["tool"])
	case tactus.EventStageChange:
		color.Yellow("[%d] stage -> %v", event.Seq, event.Payload["to"])
	case tactus.EventHITLRequest:
		color.Yellow("[%d] waiting for human: %v", event.Seq, event.Payload["message"])
	default:
		fmt.Printf("[%d] %s\n", event.Seq, event.Type)
	}
}

func validateProcedure(cmd *cobra.Command, args []string) error {
	proc, err := tactus.LoadFile(args[0])
	if err != nil {
		return err
	}
	if _, err := bdd.Parse(proc.Specifications()); err != nil {
		return err
	}
	color.Green("%s is valid (%d agents, %d params)", proc.Name(), len(proc.Agents()), len(proc.Params()))
	return nil
}

func loadMockConfig(path string) (*tactus.MockToolConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mock config: %w", err)
	}
	config := tactus.NewMockToolConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse mock config: %w", err)
	}
	return config, nil
}

func testProcedure(cmd *cobra.Command, args []string) error {
	proc, err := tactus.LoadFile(args[0])
	if err != nil {
		return err
	}
	mockConfig, err := loadMockConfig(flagMockConfig)
	if err != nil {
		return err
	}
	harness, err := bdd.NewHarness(proc, bdd.HarnessOptions{
		Logger:     newLogger(),
		MockTools:  mockConfig,
		Procedures: loadSiblings(args[0], proc)[1:],
	})
	if err != nil {
		return err
	}

	report, err := harness.Test(cmd.Context(), bdd.TestOptions{
		Scenario: flagScenario,
		Parallel: flagParallel && !flagNoParallel,
	})
	if err != nil {
		return err
	}

	if flagJSON {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, result := range report.Results {
			if result.Passed {
				color.Green("PASS %s (%s)", result.Scenario, result.Duration.Round(time.Millisecond))
				continue
			}
			color.Red("FAIL %s", result.Scenario)
			for _, failure := range result.Failures {
				color.Red("     %s", failure)
			}
			if result.Error != "" {
				color.Red("     error: %s", result.Error)
			}
		}
		fmt.Printf("\n%d passed, %d failed\n", report.Passed, report.Failed)
	}
	if report.Failed > 0 {
		os.Exit(1)
	}
	return nil
}

func evaluateProcedure(cmd *cobra.Command, args []string) error {
	proc, err := tactus.LoadFile(args[0])
	if err != nil {
		return err
	}
	harness, err := bdd.NewHarness(proc, bdd.HarnessOptions{
		Logger:     newLogger(),
		Procedures: loadSiblings(args[0], proc)[1:],
	})
	if err != nil {
		return err
	}
	report, err := harness.Evaluate(cmd.Context(), bdd.EvalOptions{
		Runs:     flagRuns,
		Workers:  flagWorkers,
		Scenario: flagScenario,
	})
	if err != nil {
		return err
	}

	if flagJSON {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	for _, stats := range report.Stats {
		color.Cyan("%s", stats.Scenario)
		fmt.Printf("  runs: %d  success: %.2f  consistency: %.2f\n",
			stats.Runs, stats.SuccessRate, stats.Consistency)
		fmt.Printf("  duration ms: mean %.1f  median %.1f  stddev %.1f\n",
			stats.DurationMean, stats.DurationMedian, stats.DurationStddev)
	}
	return nil
}
