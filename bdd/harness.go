package bdd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	tactus "github.com/tactus-ai/tactus"
	"github.com/tactus-ai/tactus/script"
)

// HarnessOptions configures a Harness.
type HarnessOptions struct {
	// Procedures registers additional definitions (children spawned by the
	// procedure under test).
	Procedures []*tactus.Procedure

	// Steps adds user step definitions written in Go.
	Steps []StepDef

	// MockTools seeds every scenario's mock tool config; scenario steps may
	// add to it.
	MockTools *tactus.MockToolConfig

	// ProviderTurns seeds the mock provider's scripted turns.
	ProviderTurns []tactus.MockTurn

	Logger *slog.Logger
}

// Harness runs a procedure's Gherkin specifications against mock-mode
// invocations. Every scenario run constructs a fresh runtime, so parallel
// runs cannot interfere.
type Harness struct {
	proc    *tactus.Procedure
	extra   []*tactus.Procedure
	steps   []StepDef
	seed    HarnessOptions
	logger  *slog.Logger
	engine  *script.RisorEngine
	compile sync.Map // custom step script -> script.Script
}

// NewHarness builds a harness for one procedure.
func NewHarness(proc *tactus.Procedure, opts HarnessOptions) (*Harness, error) {
	if proc == nil {
		return nil, fmt.Errorf("procedure is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Harness{
		proc:   proc,
		extra:  opts.Procedures,
		seed:   opts,
		logger: logger,
	}

	globals := script.DefaultGlobals()
	for _, name := range []string{"args", "state", "result", "iterations", "stage", "status", "stop_reason"} {
		globals[name] = script.FromGo(nil)
	}
	h.engine = script.NewRisorEngine(globals)

	h.steps = builtinSteps()
	for _, custom := range proc.Steps() {
		def, err := h.customStep(custom)
		if err != nil {
			return nil, err
		}
		h.steps = append(h.steps, def)
	}
	h.steps = append(h.steps, opts.Steps...)
	return h, nil
}

// customStep wraps a procedure-defined step: its script is evaluated against
// the finished invocation and must return a truthy value.
func (h *Harness) customStep(custom *tactus.CustomStep) (StepDef, error) {
	pattern, err := regexp.Compile(custom.Pattern)
	if err != nil {
		return StepDef{}, fmt.Errorf("custom step pattern %q: %w", custom.Pattern, err)
	}
	source := custom.Script
	return StepDef{
		Pattern: pattern,
		Phase:   PhaseAssert,
		Fn: func(ctx context.Context, w *World, args []string) error {
			if err := requireInvocation(w); err != nil {
				return err
			}
			compiled, err := h.compiledStep(ctx, source)
			if err != nil {
				return err
			}
			captured := make([]any, len(args))
			for i, arg := range args {
				captured[i] = parseValue(arg)
			}
			value, err := compiled.Evaluate(ctx, map[string]any{
				"args":        captured,
				"state":       w.Inv.State().Dump(),
				"result":      w.Result,
				"iterations":  int64(w.Inv.Iterations()),
				"stage":       w.Inv.Stage(),
				"status":      string(w.Inv.Status()),
				"stop_reason": w.Inv.StopReason(),
			})
			if err != nil {
				return fmt.Errorf("custom step failed: %w", err)
			}
			if !value.IsTruthy() {
				return fmt.Errorf("custom step assertion returned %s", value.String())
			}
			return nil
		},
	}, nil
}

func (h *Harness) compiledStep(ctx context.Context, source string) (script.Script, error) {
	if cached, ok := h.compile.Load(source); ok {
		return cached.(script.Script), nil
	}
	compiled, err := h.engine.Compile(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("custom step script: %w", err)
	}
	h.compile.Store(source, compiled)
	return compiled, nil
}

// Suite parses the procedure's specifications block.
func (h *Harness) Suite() (*Suite, error) {
	return Parse(h.proc.Specifications())
}

// ScenarioResult is one scenario execution's outcome.
type ScenarioResult struct {
	Feature  string        `json:"feature"`
	Scenario string        `json:"scenario"`
	Passed   bool          `json:"passed"`
	Failures []string      `json:"failures,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Outcome is the consistency key: the set of called tools, the finish
	// status, and the final state keys.
	Outcome string `json:"outcome"`
}

// TestReport aggregates one test pass over a suite.
type TestReport struct {
	Results []ScenarioResult `json:"results"`
	Passed  int              `json:"passed"`
	Failed  int              `json:"failed"`
	Events  []tactus.Event   `json:"-"`
}

// TestOptions configures a Test pass.
type TestOptions struct {
	// Scenario filters to a single scenario by name.
	Scenario string

	// Parallel runs scenarios across worker goroutines.
	Parallel bool
	Workers  int
}

// Test runs every scenario once and evaluates its assertion steps.
func (h *Harness) Test(ctx context.Context, opts TestOptions) (*TestReport, error) {
	suite, err := h.Suite()
	if err != nil {
		return nil, err
	}
	scenarios, err := filterScenarios(suite, opts.Scenario)
	if err != nil {
		return nil, err
	}

	harnessLog := tactus.NewEventLog("harness")
	workers := 1
	if opts.Parallel {
		workers = opts.Workers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
	}

	results := make([]ScenarioResult, len(scenarios))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i, scenario := range scenarios {
		i, scenario := i, scenario
		group.Go(func() error {
			results[i] = h.runScenario(groupCtx, scenario)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	report := &TestReport{Results: results}
	for _, result := range results {
		harnessLog.Append(tactus.EventTestScenarioEnded, map[string]any{
			"scenario": result.Scenario,
			"passed":   result.Passed,
		})
		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	report.Events = harnessLog.Snapshot()
	return report, nil
}

// runScenario executes one scenario against a fresh mock-mode runtime.
func (h *Harness) runScenario(ctx context.Context, scenario Scenario) ScenarioResult {
	start := time.Now()
	result := ScenarioResult{Feature: scenario.Feature, Scenario: scenario.Name}

	world := &World{
		Params:        map[string]any{},
		MockTools:     seedMockTools(h.seed.MockTools),
		HITLResponses: map[string]any{},
		ProviderTurns: append([]tactus.MockTurn{}, h.seed.ProviderTurns...),
	}

	executed := false
	execute := func() {
		if executed {
			return
		}
		executed = true
		h.execute(ctx, world)
	}

	for _, step := range scenario.Steps {
		def, args := match(h.steps, step.Text)
		if def == nil {
			result.Failures = append(result.Failures,
				fmt.Sprintf("no step definition matches %q", step.Text))
			continue
		}
		switch def.Phase {
		case PhaseSetup:
			if err := def.Fn(ctx, world, args); err != nil {
				result.Error = err.Error()
			}
		case PhaseRun:
			execute()
		case PhaseAssert:
			execute()
			if err := def.Fn(ctx, world, args); err != nil {
				result.Failures = append(result.Failures, err.Error())
			}
		}
		if result.Error != "" {
			break
		}
	}
	// A scenario with only setup steps still runs the procedure.
	execute()

	if world.Err != nil && result.Error == "" {
		// Failures of the procedure itself only fail the scenario when no
		// assertion claimed otherwise; a scenario may assert on failure.
		if len(result.Failures) == 0 && !assertedCompletion(scenario) {
			result.Error = world.Err.Error()
		}
	}

	result.Passed = result.Error == "" && len(result.Failures) == 0
	result.Duration = time.Since(start)
	if world.Inv != nil {
		result.Outcome = outcomeKey(world.Inv)
	}
	return result
}

// assertedCompletion reports whether the scenario makes its own completion
// assertions.
func assertedCompletion(scenario Scenario) bool {
	for _, step := range scenario.Steps {
		if strings.Contains(step.Text, "should complete") || strings.Contains(step.Text, "should fail") {
			return true
		}
	}
	return false
}

// execute builds the fresh mock-mode runtime for a scenario and runs the
// procedure to completion.
func (h *Harness) execute(ctx context.Context, world *World) {
	provider := tactus.NewMockProvider().Script(world.ProviderTurns...)
	rt, err := tactus.NewRuntime(tactus.RuntimeOptions{
		Storage:         tactus.NewMemoryStorage(),
		DefaultProvider: provider,
		MockTools:       world.MockTools,
		HITL:            tactus.NewScriptedHITLHandler(world.HITLResponses),
		Procedures:      append([]*tactus.Procedure{h.proc}, h.extra...),
		Logger:          h.logger,
	})
	if err != nil {
		world.Err = err
		return
	}
	inv, err := rt.Spawn(h.proc.Name(), world.Params)
	if err != nil {
		world.Err = err
		return
	}
	world.Inv = inv
	world.Result, _, world.Err = inv.Wait(ctx, -1)
}

func seedMockTools(seed *tactus.MockToolConfig) *tactus.MockToolConfig {
	config := tactus.NewMockToolConfig()
	if seed == nil {
		return config
	}
	for name, response := range seed.Responses {
		config.Respond(name, response)
	}
	for _, exact := range seed.Exact {
		config.RespondExact(exact.Tool, exact.Args, exact.Response)
	}
	config.Default = seed.Default
	return config
}

// outcomeKey reduces an invocation to its observable outcome: the set of
// called tool names, the finish status, and the final state keys. Two runs
// are "identical" iff their keys match.
func outcomeKey(inv *tactus.Invocation) string {
	toolSet := map[string]bool{}
	for _, call := range inv.Registry().Calls() {
		toolSet[call.Tool] = true
	}
	tools := make([]string, 0, len(toolSet))
	for name := range toolSet {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return strings.Join(tools, ",") + "|" + string(inv.Status()) + "|" + strings.Join(inv.State().Keys(), ",")
}

func filterScenarios(suite *Suite, name string) ([]Scenario, error) {
	scenarios := suite.Scenarios()
	if name == "" {
		return scenarios, nil
	}
	for _, scenario := range scenarios {
		if scenario.Name == name {
			return []Scenario{scenario}, nil
		}
	}
	return nil, fmt.Errorf("scenario %q not found", name)
}

// ScenarioStats aggregates repeated runs of one scenario.
type ScenarioStats struct {
	Feature  string `json:"feature"`
	Scenario string `json:"scenario"`
	Runs     int    `json:"runs"`
	Passed   int    `json:"passed"`

	SuccessRate float64 `json:"success_rate"`

	// Duration statistics in milliseconds.
	DurationMean   float64 `json:"duration_mean_ms"`
	DurationMedian float64 `json:"duration_median_ms"`
	DurationStddev float64 `json:"duration_stddev_ms"`

	// Consistency is the fraction of runs sharing the modal outcome.
	Consistency float64 `json:"consistency"`
}

// EvalReport aggregates an evaluation pass.
type EvalReport struct {
	Stats  []ScenarioStats `json:"stats"`
	Events []tactus.Event  `json:"-"`
}

// EvalOptions configures an Evaluate pass.
type EvalOptions struct {
	Runs     int
	Workers  int
	Scenario string
}

// Evaluate runs each scenario N times in parallel workers and scores
// success rate, duration distribution, and outcome consistency.
func (h *Harness) Evaluate(ctx context.Context, opts EvalOptions) (*EvalReport, error) {
	suite, err := h.Suite()
	if err != nil {
		return nil, err
	}
	scenarios, err := filterScenarios(suite, opts.Scenario)
	if err != nil {
		return nil, err
	}

	runs := opts.Runs
	if runs <= 0 {
		runs = 10
		if eval := h.proc.Evaluation(); eval != nil && eval.Runs > 0 {
			runs = eval.Runs
		}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if eval := h.proc.Evaluation(); eval != nil && eval.Workers > 0 {
			workers = eval.Workers
		}
	}

	harnessLog := tactus.NewEventLog("evaluation")
	harnessLog.Append(tactus.EventEvaluationStarted, map[string]any{
		"procedure": h.proc.Name(),
		"runs":      runs,
		"scenarios": len(scenarios),
	})

	report := &EvalReport{}
	for _, scenario := range scenarios {
		results := make([]ScenarioResult, runs)
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(workers)
		for i := 0; i < runs; i++ {
			i := i
			group.Go(func() error {
				results[i] = h.runScenario(groupCtx, scenario)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		report.Stats = append(report.Stats, scoreScenario(scenario, results))
	}

	harnessLog.Append(tactus.EventEvaluationEnded, map[string]any{
		"procedure": h.proc.Name(),
		"scenarios": len(report.Stats),
	})
	report.Events = harnessLog.Snapshot()
	return report, nil
}

func scoreScenario(scenario Scenario, results []ScenarioResult) ScenarioStats {
	stats := ScenarioStats{
		Feature:  scenario.Feature,
		Scenario: scenario.Name,
		Runs:     len(results),
	}

	durations := make([]float64, 0, len(results))
	outcomes := map[string]int{}
	for _, result := range results {
		if result.Passed {
			stats.Passed++
		}
		durations = append(durations, float64(result.Duration.Microseconds())/1000.0)
		outcomes[result.Outcome]++
	}
	if stats.Runs > 0 {
		stats.SuccessRate = float64(stats.Passed) / float64(stats.Runs)
	}

	modal := 0
	for _, count := range outcomes {
		if count > modal {
			modal = count
		}
	}
	if stats.Runs > 0 {
		stats.Consistency = float64(modal) / float64(stats.Runs)
	}

	if len(durations) > 0 {
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		stats.DurationMean = sum / float64(len(durations))

		sorted := append([]float64{}, durations...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			stats.DurationMedian = sorted[mid]
		} else {
			stats.DurationMedian = (sorted[mid-1] + sorted[mid]) / 2
		}

		variance := 0.0
		for _, d := range durations {
			diff := d - stats.DurationMean
			variance += diff * diff
		}
		stats.DurationStddev = math.Sqrt(variance / float64(len(durations)))
	}
	return stats
}
