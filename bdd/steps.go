package bdd

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	tactus "github.com/tactus-ai/tactus"
)

// Phase orders step execution within a scenario: setup steps configure the
// world, the run step executes the procedure, assert steps check the
// finished invocation. The first assert step triggers the run implicitly if
// no explicit run step appeared.
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseRun
	PhaseAssert
)

// World is the per-scenario context threaded through step functions.
type World struct {
	Params        map[string]any
	MockTools     *tactus.MockToolConfig
	HITLResponses map[string]any
	ProviderTurns []tactus.MockTurn

	Inv    *tactus.Invocation
	Result any
	Err    error
}

// StepFunc executes one matched step. args holds the pattern's capture
// groups.
type StepFunc func(ctx context.Context, w *World, args []string) error

// StepDef pairs a match pattern with its phase and implementation.
type StepDef struct {
	Pattern *regexp.Regexp
	Phase   Phase
	Fn      StepFunc
}

// NewStep builds a StepDef from a pattern string.
func NewStep(pattern string, phase Phase, fn StepFunc) (StepDef, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return StepDef{}, fmt.Errorf("invalid step pattern %q: %w", pattern, err)
	}
	return StepDef{Pattern: re, Phase: phase, Fn: fn}, nil
}

func mustStep(pattern string, phase Phase, fn StepFunc) StepDef {
	return StepDef{Pattern: regexp.MustCompile(pattern), Phase: phase, Fn: fn}
}

// parseValue interprets a step argument: JSON when it parses, otherwise the
// raw text with surrounding quotes stripped.
func parseValue(text string) any {
	text = strings.TrimSpace(text)
	var value any
	if err := json.Unmarshal([]byte(text), &value); err == nil {
		return value
	}
	return strings.Trim(text, `"'`)
}

// jsonEqual compares two values by canonical JSON encoding, which makes
// int64 state values and float64 step arguments comparable.
func jsonEqual(a, b any) bool {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}

func requireInvocation(w *World) error {
	if w.Inv == nil {
		return fmt.Errorf("the procedure has not run")
	}
	return nil
}

// builtinSteps is the step library every harness starts from.
func builtinSteps() []StepDef {
	return []StepDef{
		// Setup: parameters, mocks, HITL.
		mustStep(`^the "?([A-Za-z0-9_.-]+)"? parameter is (.+)$`, PhaseSetup,
			func(ctx context.Context, w *World, args []string) error {
				w.Params[args[0]] = parseValue(args[1])
				return nil
			}),
		mustStep(`^the "?([A-Za-z0-9_.-]+)"? dependency returns '(.+)'$`, PhaseSetup,
			func(ctx context.Context, w *World, args []string) error {
				var response any
				if err := json.Unmarshal([]byte(args[1]), &response); err != nil {
					return fmt.Errorf("dependency response is not valid JSON: %w", err)
				}
				w.MockTools.Respond(args[0], response)
				return nil
			}),
		mustStep(`^Human\.(approve|input|review) will return (.+)$`, PhaseSetup,
			func(ctx context.Context, w *World, args []string) error {
				w.HITLResponses[args[0]] = parseValue(args[1])
				return nil
			}),

		// Run trigger.
		mustStep(`^the procedure (?:runs|is executed|has run)$`, PhaseRun, nil),

		// Assertions: tool calls.
		mustStep(`^the "?([A-Za-z0-9_-]+)"? tool should be called at least (\d+) times?$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				want, _ := strconv.Atoi(args[1])
				got := len(w.Inv.Registry().CallsOf(args[0]))
				if got < want {
					return fmt.Errorf("tool %q called %d times, want at least %d", args[0], got, want)
				}
				return nil
			}),
		mustStep(`^the "?([A-Za-z0-9_-]+)"? tool should be called$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				if !w.Inv.Registry().Called(args[0]) {
					return fmt.Errorf("tool %q was not called", args[0])
				}
				return nil
			}),

		// Assertions: stages.
		mustStep(`^the stage should be "?([A-Za-z0-9_-]+)"?$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				if got := w.Inv.Stage(); got != args[0] {
					return fmt.Errorf("stage is %q, want %q", got, args[0])
				}
				return nil
			}),
		mustStep(`^the stage should transition from "?([A-Za-z0-9_-]+)"? to "?([A-Za-z0-9_-]+)"?$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				var stages []string
				for _, event := range w.Inv.Events().Snapshot() {
					if event.Type == tactus.EventStageChange {
						if to, ok := event.Payload["to"].(string); ok {
							stages = append(stages, to)
						}
					}
				}
				for i := 0; i+1 < len(stages); i++ {
					if stages[i] == args[0] && stages[i+1] == args[1] {
						return nil
					}
				}
				return fmt.Errorf("no stage transition %q to %q (saw %v)", args[0], args[1], stages)
			}),

		// Assertions: state.
		mustStep(`^the state "?([A-Za-z0-9_.-]+)"? should exist$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				if !w.Inv.State().Has(args[0]) {
					return fmt.Errorf("state key %q does not exist", args[0])
				}
				return nil
			}),
		mustStep(`^the state "?([A-Za-z0-9_.-]+)"? should be (.+)$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				want := parseValue(args[1])
				got := w.Inv.State().Get(args[0])
				if !jsonEqual(got, want) {
					return fmt.Errorf("state %q is %v, want %v", args[0], got, want)
				}
				return nil
			}),

		// Assertions: completion.
		mustStep(`^the procedure should complete successfully$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				if status := w.Inv.Status(); status != tactus.StatusCompleted {
					return fmt.Errorf("procedure status is %q (error: %v)", status, w.Err)
				}
				return nil
			}),
		mustStep(`^the stop reason should contain "?(.+?)"?$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				if !strings.Contains(w.Inv.StopReason(), args[0]) {
					return fmt.Errorf("stop reason %q does not contain %q", w.Inv.StopReason(), args[0])
				}
				return nil
			}),

		// Assertions: iterations.
		mustStep(`^iterations should be less than (\d+)$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				limit, _ := strconv.Atoi(args[0])
				if got := w.Inv.Iterations(); got >= limit {
					return fmt.Errorf("iterations is %d, want less than %d", got, limit)
				}
				return nil
			}),
		mustStep(`^iterations should be between (\d+) and (\d+)$`, PhaseAssert,
			func(ctx context.Context, w *World, args []string) error {
				if err := requireInvocation(w); err != nil {
					return err
				}
				low, _ := strconv.Atoi(args[0])
				high, _ := strconv.Atoi(args[1])
				if got := w.Inv.Iterations(); got < low || got > high {
					return fmt.Errorf("iterations is %d, want between %d and %d", got, low, high)
				}
				return nil
			}),
	}
}

// match finds the first step definition matching text and returns its
// capture groups.
func match(defs []StepDef, text string) (*StepDef, []string) {
	for i := range defs {
		if m := defs[i].Pattern.FindStringSubmatch(text); m != nil {
			return &defs[i], m[1:]
		}
	}
	return nil, nil
}
