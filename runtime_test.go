package tactus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWait = 15 * time.Second

func mustLoad(t *testing.T, yaml string) *Procedure {
	t.Helper()
	proc, err := LoadString(yaml)
	require.NoError(t, err)
	return proc
}

func runToCompletion(t *testing.T, rt *Runtime, name string, params map[string]any) (*Invocation, any, error) {
	t.Helper()
	inv, err := rt.Spawn(name, params)
	require.NoError(t, err)
	result, done, err := inv.Wait(context.Background(), testWait)
	require.True(t, done, "invocation did not finish in time")
	return inv, result, err
}

const greeterYAML = `
name: greeter
params:
  - name: name
    type: string
    default: World
agents:
  - name: Greeter
    provider: openai
    model: gpt-4o-mini
    system_prompt: "Greet ${params.name}, then call the done tool."
    tools: [done]
script: |
  for {
    if Tool.called("done") { break }
    Greeter.turn()
  }
  call := Tool.last_call("done")
  out := {"completed": true, "greeting": call["args"]["reason"]}
  out
`

func newMockRuntime(t *testing.T, procs ...*Procedure) *Runtime {
	t.Helper()
	rt, err := NewRuntime(RuntimeOptions{
		DefaultProvider: NewMockProvider(),
		MockTools:       NewMockToolConfig(),
		Procedures:      procs,
	})
	require.NoError(t, err)
	return rt
}

func TestGreeterProcedure(t *testing.T) {
	rt := newMockRuntime(t, mustLoad(t, greeterYAML))
	inv, result, err := runToCompletion(t, rt, "greeter", map[string]any{"name": "World"})
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, inv.Status())
	require.Equal(t, map[string]any{
		"completed": true,
		"greeting":  "mock complete",
	}, result)

	require.GreaterOrEqual(t, inv.Events().CountByType(EventAgentTurn), 1)
	require.Equal(t, 1, inv.Events().CountByType(EventToolCall))
	require.Len(t, inv.Registry().CallsOf("done"), 1)
	require.Equal(t, "mock complete", inv.StopReason())
}

func TestStateAndStages(t *testing.T) {
	proc := mustLoad(t, `
name: stages
script: |
  Stage.set("start")
  State.set("n", 0)
  for i := 0; i < 3; i++ {
    State.incr("n")
  }
  Stage.set("done")
  out := {"n": State.get("n")}
  out
`)
	rt := newMockRuntime(t, proc)
	inv, result, err := runToCompletion(t, rt, "stages", nil)
	require.NoError(t, err)

	require.Equal(t, map[string]any{"n": int64(3)}, result)
	require.Equal(t, int64(3), inv.State().Get("n"))

	var stages []string
	for _, event := range inv.Events().Snapshot() {
		if event.Type == EventStageChange {
			stages = append(stages, event.Payload["to"].(string))
		}
	}
	require.Equal(t, []string{"start", "done"}, stages)
}

func TestHITLTimeoutReturnsDefault(t *testing.T) {
	proc := mustLoad(t, `
name: approval
script: |
  approved := Human.approve({"message": "go?", "timeout": 0.2, "default": false})
  out := {"approved": approved}
  out
`)
	rt := newMockRuntime(t, proc)
	inv, result, err := runToCompletion(t, rt, "approval", nil)
	require.NoError(t, err)

	require.Equal(t, map[string]any{"approved": false}, result)
	require.Equal(t, 1, inv.Events().CountByType(EventHITLRequest))
	require.Equal(t, 0, inv.Events().CountByType(EventHITLResolved))
}

func TestHITLResolved(t *testing.T) {
	proc := mustLoad(t, `
name: approval
script: |
  approved := Human.approve({"message": "go?", "name": "deploy"})
  out := {"approved": approved}
  out
`)
	rt, err := NewRuntime(RuntimeOptions{
		DefaultProvider: NewMockProvider(),
		MockTools:       NewMockToolConfig(),
		HITL:            NewScriptedHITLHandler(map[string]any{"deploy": true}),
		Procedures:      []*Procedure{proc},
	})
	require.NoError(t, err)

	inv, result, err := runToCompletion(t, rt, "approval", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"approved": true}, result)

	// Exactly one request and one resolution carrying the same request id.
	var requestID, resolvedID string
	for _, event := range inv.Events().Snapshot() {
		switch event.Type {
		case EventHITLRequest:
			require.Empty(t, requestID)
			requestID = event.Payload["request_id"].(string)
		case EventHITLResolved:
			require.Empty(t, resolvedID)
			resolvedID = event.Payload["request_id"].(string)
		}
	}
	require.NotEmpty(t, requestID)
	require.Equal(t, requestID, resolvedID)
}

const childYAML = `
name: child
params:
  - name: delta
    type: number
    required: true
script: |
  Params["delta"]
`

func TestParallelChildren(t *testing.T) {
	parent := mustLoad(t, `
name: parent
script: |
  h1 := Procedure.spawn("child", {"delta": 1})
  h2 := Procedure.spawn("child", {"delta": 2})
  h3 := Procedure.spawn("child", {"delta": 3})
  Procedure.wait_all([h1, h2, h3])
  total := Procedure.result(h1) + Procedure.result(h2) + Procedure.result(h3)
  out := {"total": total}
  out
`)
	rt := newMockRuntime(t, parent, mustLoad(t, childYAML))
	inv, result, err := runToCompletion(t, rt, "parent", nil)
	require.NoError(t, err)

	require.Equal(t, map[string]any{"total": int64(6)}, result)
	children := inv.Children()
	require.Len(t, children, 3)
	for _, child := range children {
		require.Equal(t, StatusCompleted, child.Status())
	}
}

func TestChildRunReturnsResult(t *testing.T) {
	parent := mustLoad(t, `
name: parent
script: |
  out := {"value": Procedure.run("child", {"delta": 7})}
  out
`)
	rt := newMockRuntime(t, parent, mustLoad(t, childYAML))
	_, result, err := runToCompletion(t, rt, "parent", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"value": int64(7)}, result)
}

func TestChildFailurePropagates(t *testing.T) {
	parent := mustLoad(t, `
name: parent
script: |
  Procedure.run("broken", {})
`)
	broken := mustLoad(t, `
name: broken
script: |
  Tool.call("unregistered", {})
`)
	rt, err := NewRuntime(RuntimeOptions{
		DefaultProvider: NewMockProvider(),
		Procedures:      []*Procedure{parent, broken},
	})
	require.NoError(t, err)

	inv, _, err := runToCompletion(t, rt, "parent", nil)
	require.Error(t, err)
	require.Equal(t, StatusFailed, inv.Status())
	require.Contains(t, err.Error(), "child")
}

func TestProcedureCycleDetected(t *testing.T) {
	recursive := mustLoad(t, `
name: loop
script: |
  Procedure.run("loop", {})
`)
	rt := newMockRuntime(t, recursive)
	inv, _, err := runToCompletion(t, rt, "loop", nil)
	require.Error(t, err)
	require.Equal(t, StatusFailed, inv.Status())
	require.Contains(t, err.Error(), "cycle")
}

func TestZeroTurnProcedureCompletes(t *testing.T) {
	proc := mustLoad(t, `
name: empty
script: |
  nil
`)
	rt := newMockRuntime(t, proc)
	inv, result, err := runToCompletion(t, rt, "empty", nil)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Equal(t, StatusCompleted, inv.Status())
	require.Zero(t, inv.Iterations())
}

func TestWaitZeroTimeoutReturnsSentinel(t *testing.T) {
	parent := mustLoad(t, `
name: parent
script: |
  h := Procedure.spawn("slow", {})
  first := Procedure.wait(h, {"timeout": 0})
  Procedure.wait(h, {})
  out := {"first_was_nil": first == nil}
  out
`)
	slow := mustLoad(t, `
name: slow
script: |
  Human.input({"message": "wait", "timeout": 0.3, "default": "x"})
`)
	rt := newMockRuntime(t, parent, slow)
	_, result, err := runToCompletion(t, rt, "parent", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"first_was_nil": true}, result)
}

func TestCancelPropagatesToChildren(t *testing.T) {
	parent := mustLoad(t, `
name: parent
script: |
  h := Procedure.spawn("blocker", {})
  Procedure.wait(h, {})
`)
	blocker := mustLoad(t, `
name: blocker
script: |
  Human.input({"message": "blocked"})
`)
	rt := newMockRuntime(t, parent, blocker)
	inv, err := rt.Spawn("parent", nil)
	require.NoError(t, err)

	// Give the tree time to block on the HITL request.
	require.Eventually(t, func() bool {
		return len(inv.Children()) == 1
	}, testWait, 10*time.Millisecond)

	require.NoError(t, rt.Cancel(inv.ID()))

	_, done, err := inv.Wait(context.Background(), testWait)
	require.True(t, done)
	require.Error(t, err)
	require.Equal(t, StatusCancelled, inv.Status())

	child := inv.Children()[0]
	select {
	case <-child.Done():
	case <-time.After(testWait):
		t.Fatal("child did not terminate")
	}
	require.Equal(t, StatusCancelled, child.Status())
}

func TestIterationsBudget(t *testing.T) {
	proc := mustLoad(t, `
name: looper
agents:
  - name: Worker
    provider: openai
    model: gpt-4o-mini
script: |
  for {
    if Iterations.exceeded(3) { break }
    Worker.turn()
  }
  out := {"iterations": Iterations.current()}
  out
`)
	rt := newMockRuntime(t, proc)
	inv, result, err := runToCompletion(t, rt, "looper", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"iterations": int64(3)}, result)

	// Iterations equals the count of responded turn events.
	responded := 0
	for _, event := range inv.Events().Snapshot() {
		if event.Type == EventAgentTurn && event.Payload["stage"] == "responded" {
			responded++
		}
	}
	require.Equal(t, 3, responded)
	require.Equal(t, 3, inv.Iterations())
}

func TestStepRunIdempotent(t *testing.T) {
	proc := mustLoad(t, `
name: steps
script: |
  a := Step.run("calc", func() { return 1 })
  b := Step.run("calc", func() { return 2 })
  out := {"a": a, "b": b}
  out
`)
	rt := newMockRuntime(t, proc)
	_, result, err := runToCompletion(t, rt, "steps", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": int64(1), "b": int64(1)}, result)
}

func TestScriptErrorsAreCatchable(t *testing.T) {
	proc := mustLoad(t, `
name: catcher
script: |
  r := try(func() { return Tool.call("unregistered", {}) }, "caught")
  out := {"r": r}
  out
`)
	rt, err := NewRuntime(RuntimeOptions{
		DefaultProvider: NewMockProvider(),
		Procedures:      []*Procedure{proc},
	})
	require.NoError(t, err)
	inv, result, err := runToCompletion(t, rt, "catcher", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inv.Status())
	require.Equal(t, map[string]any{"r": "caught"}, result)
}

func TestUncaughtErrorFailsInvocation(t *testing.T) {
	proc := mustLoad(t, `
name: failing
script: |
  Tool.call("unregistered", {})
`)
	rt, err := NewRuntime(RuntimeOptions{
		DefaultProvider: NewMockProvider(),
		Procedures:      []*Procedure{proc},
	})
	require.NoError(t, err)
	inv, _, err := runToCompletion(t, rt, "failing", nil)
	require.Error(t, err)
	require.Equal(t, StatusFailed, inv.Status())

	var sawErrorLifecycle bool
	for _, event := range inv.Events().Snapshot() {
		if event.Type == EventExecution && event.Payload["lifecycle"] == "error" {
			sawErrorLifecycle = true
		}
	}
	require.True(t, sawErrorLifecycle)
}

func TestResumeReplaysJournal(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	invoked := 0
	effect := NewToolFunction("effect", "", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			invoked++
			return map[string]any{"n": int64(invoked)}, nil
		})

	proc := mustLoad(t, `
name: resumable
script: |
  Stage.set("start")
  r := Tool.call("effect", {})
  Stage.set("done")
  out := {"n": r["n"]}
  out
`)

	newRT := func() *Runtime {
		rt, err := NewRuntime(RuntimeOptions{
			Storage:    storage,
			Tools:      []Tool{effect},
			Procedures: []*Procedure{proc},
		})
		require.NoError(t, err)
		return rt
	}

	first, firstResult, err := runToCompletion(t, newRT(), "resumable", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": int64(1)}, firstResult)
	require.Equal(t, 1, invoked)

	// Re-run against the same storage under the original invocation id.
	resumedInv, err := newRT().Resume(ctx, first.ID())
	require.NoError(t, err)
	resumedResult, done, err := resumedInv.Wait(ctx, testWait)
	require.True(t, done)
	require.NoError(t, err)

	require.Equal(t, firstResult, resumedResult)
	require.Equal(t, 1, invoked, "journalled effect must not re-run")
	require.Equal(t, StatusCompleted, resumedInv.Status())

	var sawResumed bool
	for _, event := range resumedInv.Events().Snapshot() {
		if event.Type == EventExecution && event.Payload["lifecycle"] == "resumed" {
			sawResumed = true
		}
	}
	require.True(t, sawResumed)
}

// eventShape projects an event to its replay-comparable form.
type eventShape struct {
	Type    EventType
	Payload map[string]any
}

func TestMockRunsAreDeterministic(t *testing.T) {
	shapes := func() []eventShape {
		rt := newMockRuntime(t, mustLoad(t, greeterYAML))
		inv, _, err := runToCompletion(t, rt, "greeter", map[string]any{"name": "World"})
		require.NoError(t, err)
		var out []eventShape
		for _, event := range inv.Events().Snapshot() {
			out = append(out, eventShape{Type: event.Type, Payload: event.Payload})
		}
		return out
	}
	require.Equal(t, shapes(), shapes())
}

func TestTurnResultShape(t *testing.T) {
	proc := mustLoad(t, `
name: turns
agents:
  - name: Worker
    provider: openai
    model: gpt-4o-mini
script: |
  r := Worker.turn()
  out := {"text": r["text"], "finish": r["finish_reason"]}
  out
`)
	rt := newMockRuntime(t, proc)
	inv, result, err := runToCompletion(t, rt, "turns", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"text": "ok", "finish": "stop"}, result)
	require.Equal(t, 1, inv.Events().CountByType(EventCost))
}

func TestSessionOperationsFromScript(t *testing.T) {
	proc := mustLoad(t, `
name: sessions
agents:
  - name: Worker
    provider: openai
    model: gpt-4o-mini
script: |
  Worker.turn()
  Session.inject_system("Worker", "remember this")
  Session.save_to("Worker", "snap")
  Session.clear("Worker")
  cleared := len(Session.history("Worker"))
  Session.load_from("Worker", "snap")
  restored := len(Session.history("Worker"))
  out := {"cleared": cleared, "restored": restored}
  out
`)
	rt := newMockRuntime(t, proc)
	inv, result, err := runToCompletion(t, rt, "sessions", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"cleared": int64(0), "restored": int64(2)}, result)
	require.Equal(t, 2, inv.Session("Worker").Len())
}

func TestResourcesAvailableToTools(t *testing.T) {
	proc := mustLoad(t, `
name: fetcher
resources:
  - name: api
    type: http
    config:
      base_url: https://example.test
script: |
  r := Tool.call("probe", {})
  out := {"has_api": r["has_api"]}
  out
`)
	probe := NewToolFunction("probe", "", nil,
		func(ctx context.Context, args map[string]any) (any, error) {
			inv, ok := InvocationFromContext(ctx)
			if !ok {
				return nil, NewError(ErrInternal, "no invocation in context")
			}
			_, hasAPI := inv.Resource("api")
			return map[string]any{"has_api": hasAPI}, nil
		})
	rt, err := NewRuntime(RuntimeOptions{
		Tools:      []Tool{probe},
		Procedures: []*Procedure{proc},
	})
	require.NoError(t, err)

	_, result, err := runToCompletion(t, rt, "fetcher", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"has_api": true}, result)
}

func TestAgentFilterDeclaration(t *testing.T) {
	t.Run("unknown filter type is rejected at spawn", func(t *testing.T) {
		proc := mustLoad(t, `
name: bad-filter
agents:
  - name: Worker
    filters:
      - type: bogus
script: |
  nil
`)
		rt := newMockRuntime(t, proc)
		_, err := rt.Spawn("bad-filter", nil)
		require.Error(t, err)
		require.True(t, MatchesKind(err, ErrValidation))
	})

	t.Run("declared chain is honored", func(t *testing.T) {
		proc := mustLoad(t, `
name: filtered
agents:
  - name: Worker
    provider: openai
    model: gpt-4o-mini
    filters:
      - type: limit_tool_results
        k: 2
      - type: hide
        classes: [INTERNAL]
script: |
  Worker.turn()
  nil
`)
		rt := newMockRuntime(t, proc)
		inv, _, err := runToCompletion(t, rt, "filtered", nil)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, inv.Status())
	})
}

func TestRunHonorsContext(t *testing.T) {
	proc := mustLoad(t, `
name: blocked
script: |
  Human.input({"message": "forever"})
`)
	rt := newMockRuntime(t, proc)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := rt.Run(ctx, "blocked", nil)
	require.Error(t, err)
	require.True(t, MatchesKind(err, ErrCancelled))
}
