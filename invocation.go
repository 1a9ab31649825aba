package tactus

import (
	"context"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewInvocationID returns a new prefixed unique ID for an invocation.
func NewInvocationID() string {
	id, err := typeid.WithPrefix("inv")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// InvocationStatus is the lifecycle state of an invocation.
type InvocationStatus string

const (
	StatusPending      InvocationStatus = "pending"
	StatusRunning      InvocationStatus = "running"
	StatusWaitingHuman InvocationStatus = "waiting_human"
	StatusWaitingChild InvocationStatus = "waiting_child"
	StatusCompleted    InvocationStatus = "completed"
	StatusFailed       InvocationStatus = "failed"
	StatusCancelled    InvocationStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Invocation is one live execution of a procedure definition. It owns
// exactly one event log, one journal namespace, one state store, and the
// sessions of its agents. All of its work runs on a single goroutine;
// only status/result accessors are safe from other goroutines.
type Invocation struct {
	id      string
	def     *Procedure
	runtime *Runtime
	params  map[string]any

	events    *EventLog
	journal   *Journal
	state     *StateStore
	registry  *ToolRegistry
	hitl      *hitlGateway
	resources *resourceSet

	mu          sync.Mutex
	status      InvocationStatus
	result      any
	err         error
	stage       string
	stopReason  string
	iterations  int
	createdAt   time.Time
	completedAt time.Time
	resumed     bool
	sessions    map[string]*Session
	agents      map[string]*Agent
	children    map[string]*Invocation
	childOrder  []string

	parent   *Invocation
	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
}

func (inv *Invocation) ID() string            { return inv.id }
func (inv *Invocation) Definition() *Procedure { return inv.def }
func (inv *Invocation) Parent() *Invocation   { return inv.parent }
func (inv *Invocation) Events() *EventLog     { return inv.events }
func (inv *Invocation) Journal() *Journal     { return inv.journal }
func (inv *Invocation) State() *StateStore    { return inv.state }
func (inv *Invocation) Registry() *ToolRegistry { return inv.registry }

// Params returns a copy of the resolved parameters.
func (inv *Invocation) Params() map[string]any {
	out := make(map[string]any, len(inv.params))
	for k, v := range inv.params {
		out[k] = v
	}
	return out
}

// Status returns the current lifecycle status.
func (inv *Invocation) Status() InvocationStatus {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status
}

// setStatus transitions the lifecycle status, emitting an execution event
// and persisting the invocation record. Terminal statuses are sticky.
func (inv *Invocation) setStatus(status InvocationStatus) {
	inv.mu.Lock()
	if inv.status == status || inv.status.Terminal() {
		inv.mu.Unlock()
		return
	}
	inv.status = status
	inv.mu.Unlock()

	inv.events.Append(EventExecution, map[string]any{"lifecycle": string(status)})
	inv.runtime.persist(inv)
}

// Result returns the final result and error. Valid once terminal.
func (inv *Invocation) Result() (any, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.result, inv.err
}

// Done returns a channel closed when the invocation reaches terminal
// status.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Wait blocks until the invocation is terminal or the timeout elapses.
// timeout <= 0 with wait=false semantics: a zero timeout polls, a negative
// timeout waits indefinitely. On timeout the result is nil with no error
// (the null sentinel); a child failure re-raises here.
func (inv *Invocation) Wait(ctx context.Context, timeout time.Duration) (any, bool, error) {
	if timeout == 0 {
		select {
		case <-inv.done:
			result, err := inv.Result()
			return result, true, err
		default:
			return nil, false, nil
		}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-inv.done:
		result, err := inv.Result()
		return result, true, err
	case <-timer:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, WrapError(ErrCancelled, ctx.Err())
	}
}

// Cancel cooperatively cancels the invocation and every non-terminal
// descendant. The script observes the cancellation at its next primitive
// call.
func (inv *Invocation) Cancel() {
	inv.mu.Lock()
	children := make([]*Invocation, 0, len(inv.children))
	for _, child := range inv.children {
		children = append(children, child)
	}
	cancelFn := inv.cancelFn
	inv.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	for _, child := range children {
		child.Cancel()
	}
}

// Session returns the session for the named agent, creating it on first
// use.
func (inv *Invocation) Session(agent string) *Session {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.sessions == nil {
		inv.sessions = map[string]*Session{}
	}
	session, ok := inv.sessions[agent]
	if !ok {
		session = NewSession(agent)
		inv.sessions[agent] = session
	}
	return session
}

// Agent returns the named agent primitive.
func (inv *Invocation) Agent(name string) (*Agent, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	agent, ok := inv.agents[name]
	return agent, ok
}

// Resource returns a declared resource by name.
func (inv *Invocation) Resource(name string) (Resource, bool) {
	return inv.resources.get(name)
}

// Stage returns the current stage name.
func (inv *Invocation) Stage() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stage
}

// SetStage transitions the stage, emitting a stage_change event.
func (inv *Invocation) SetStage(stage string) {
	inv.mu.Lock()
	from := inv.stage
	inv.stage = stage
	inv.mu.Unlock()

	payload := map[string]any{"to": stage}
	if from != "" {
		payload["from"] = from
	}
	inv.events.Append(EventStageChange, payload)
}

// Iterations returns the invocation-wide agent turn count.
func (inv *Invocation) Iterations() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.iterations
}

func (inv *Invocation) nextIteration() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.iterations++
	return inv.iterations
}

// StopReason describes why the invocation stopped: the done tool's reason,
// the error message on failure, or "completed".
func (inv *Invocation) StopReason() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stopReason
}

func (inv *Invocation) setStopReason(reason string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.status.Terminal() {
		inv.stopReason = reason
	}
}

func (inv *Invocation) addChild(child *Invocation) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.children == nil {
		inv.children = map[string]*Invocation{}
	}
	inv.children[child.id] = child
	inv.childOrder = append(inv.childOrder, child.id)
}

// Child returns a child invocation by ID.
func (inv *Invocation) Child(id string) (*Invocation, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	child, ok := inv.children[id]
	return child, ok
}

// Children returns the child invocations in spawn order.
func (inv *Invocation) Children() []*Invocation {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]*Invocation, 0, len(inv.childOrder))
	for _, id := range inv.childOrder {
		out = append(out, inv.children[id])
	}
	return out
}

// hasAncestorDefinition walks up the parent chain looking for a repeated
// definition name. Used to detect cycles in procedure-as-tool graphs.
func (inv *Invocation) hasAncestorDefinition(name string) bool {
	for node := inv; node != nil; node = node.parent {
		if node.def.Name() == name {
			return true
		}
	}
	return false
}

// Record converts the invocation to its persisted form.
func (inv *Invocation) Record() *InvocationRecord {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	record := &InvocationRecord{
		ID:          inv.id,
		Definition:  inv.def.Name(),
		Params:      inv.params,
		Status:      string(inv.status),
		CreatedAt:   inv.createdAt,
		CompletedAt: inv.completedAt,
		Result:      inv.result,
	}
	if inv.err != nil {
		record.Error = inv.err.Error()
	}
	return record
}

// finish records the terminal outcome. Idempotent.
func (inv *Invocation) finish(status InvocationStatus, result any, err error) {
	inv.mu.Lock()
	if inv.status.Terminal() {
		inv.mu.Unlock()
		return
	}
	inv.status = status
	inv.result = result
	inv.err = err
	inv.completedAt = time.Now().UTC()
	switch {
	case err != nil:
		inv.stopReason = err.Error()
	case inv.stopReason == "":
		inv.stopReason = "completed"
	}
	inv.mu.Unlock()
}
