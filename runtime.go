package tactus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tactus-ai/tactus/script"
)

const defaultScriptCacheSize = 128

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Storage is the durable backend. Defaults to in-memory.
	Storage Storage

	// Providers maps provider names referenced by agent declarations to
	// adapters.
	Providers map[string]Provider

	// DefaultProvider serves agents whose provider name has no entry in
	// Providers. Mock mode installs the mock provider here.
	DefaultProvider Provider

	// HITL handles human-in-the-loop requests.
	HITL HITLHandler

	// Tools are native tools registered for every invocation.
	Tools []Tool

	// MockTools, when set, switches every invocation's tool registry into
	// mock mode.
	MockTools *MockToolConfig

	// Procedures preloads definitions into the registry.
	Procedures []*Procedure

	Logger          *slog.Logger
	ScriptCacheSize int
}

// Runtime is the procedure scheduler. It owns the definition registry and
// the invocation tree; each invocation runs as a single goroutine whose
// primitives are the only suspension points. Capability objects are bound
// per invocation, never process-wide, so parallel runs cannot interfere.
type Runtime struct {
	mu          sync.RWMutex
	procedures  map[string]*Procedure
	invocations map[string]*Invocation

	storage         Storage
	providers       map[string]Provider
	defaultProvider Provider
	hitl            HITLHandler
	tools           []Tool
	mockTools       *MockToolConfig
	logger          *slog.Logger

	resourceFactories map[string]ResourceFactory
	scriptCache       *lru.Cache[string, script.Script]
}

// NewRuntime creates a Runtime configured with the given options.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Storage == nil {
		opts.Storage = NewMemoryStorage()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HITL == nil {
		opts.HITL = &SilentHITLHandler{}
	}
	if opts.ScriptCacheSize <= 0 {
		opts.ScriptCacheSize = defaultScriptCacheSize
	}
	cache, err := lru.New[string, script.Script](opts.ScriptCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create script cache: %w", err)
	}

	rt := &Runtime{
		procedures:      map[string]*Procedure{},
		invocations:     map[string]*Invocation{},
		storage:         opts.Storage,
		providers:       opts.Providers,
		defaultProvider: opts.DefaultProvider,
		hitl:            opts.HITL,
		tools:           opts.Tools,
		mockTools:       opts.MockTools,
		logger:          opts.Logger,
		resourceFactories: map[string]ResourceFactory{
			"http": newHTTPResourceFactory(),
		},
		scriptCache: cache,
	}
	for _, proc := range opts.Procedures {
		if err := rt.Register(proc); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Register adds a procedure definition to the registry.
func (rt *Runtime) Register(proc *Procedure) error {
	if proc == nil {
		return fmt.Errorf("procedure cannot be nil")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.procedures[proc.Name()] = proc
	return nil
}

// Procedure retrieves a registered definition by name.
func (rt *Runtime) Procedure(name string) (*Procedure, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	proc, ok := rt.procedures[name]
	return proc, ok
}

// RegisterResourceFactory adds a factory for a resource type.
func (rt *Runtime) RegisterResourceFactory(resourceType string, factory ResourceFactory) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resourceFactories[resourceType] = factory
}

// Invocation retrieves a live invocation by ID.
func (rt *Runtime) Invocation(id string) (*Invocation, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	inv, ok := rt.invocations[id]
	return inv, ok
}

// Run executes a procedure to completion: spawn plus wait. Cancelling ctx
// cancels the invocation.
func (rt *Runtime) Run(ctx context.Context, name string, params map[string]any) (any, error) {
	inv, err := rt.Spawn(name, params)
	if err != nil {
		return nil, err
	}
	select {
	case <-inv.Done():
	case <-ctx.Done():
		inv.Cancel()
		<-inv.Done()
	}
	return inv.Result()
}

// Spawn starts a new root invocation and returns immediately.
func (rt *Runtime) Spawn(name string, params map[string]any) (*Invocation, error) {
	return rt.spawn(nil, name, params, "")
}

// Resume restarts an invocation whose process died while it was running or
// waiting. The journal replays every completed step; execution continues at
// the first un-journalled suspension point.
func (rt *Runtime) Resume(ctx context.Context, id string) (*Invocation, error) {
	record, err := rt.storage.LoadInvocation(ctx, id)
	if err != nil {
		return nil, WrapError(ErrInternal, err)
	}
	if record == nil {
		return nil, NewError(ErrValidation, "invocation %q not found", id)
	}
	proc, ok := rt.Procedure(record.Definition)
	if !ok {
		return nil, NewError(ErrValidation, "procedure %q not registered", record.Definition)
	}
	return rt.spawn(nil, proc.Name(), record.Params, id)
}

// Cancel cancels an invocation and its descendants.
func (rt *Runtime) Cancel(id string) error {
	inv, ok := rt.Invocation(id)
	if !ok {
		return NewError(ErrValidation, "invocation %q not found", id)
	}
	inv.Cancel()
	return nil
}

// Subscribe streams an invocation's events from sinceSeq onward.
func (rt *Runtime) Subscribe(id string, sinceSeq int) (<-chan Event, error) {
	inv, ok := rt.Invocation(id)
	if !ok {
		return nil, NewError(ErrValidation, "invocation %q not found", id)
	}
	return inv.events.Subscribe(sinceSeq), nil
}

// spawn constructs an invocation with its primitives bound and starts its
// goroutine. A non-empty resumeID reuses an existing journal namespace.
func (rt *Runtime) spawn(parent *Invocation, name string, params map[string]any, resumeID string) (*Invocation, error) {
	proc, ok := rt.Procedure(name)
	if !ok {
		return nil, NewError(ErrValidation, "procedure %q not registered", name)
	}
	if parent != nil && parent.hasAncestorDefinition(name) {
		return nil, NewError(ErrInternal, "procedure call cycle detected: %q already on the invocation ancestor chain", name)
	}

	resolved, err := proc.ResolveParams(params)
	if err != nil {
		return nil, err
	}

	id := resumeID
	resumed := resumeID != ""
	if id == "" {
		id = NewInvocationID()
	}

	events := NewEventLog(id)
	events.SetMirror(func(event Event) error {
		return rt.storage.AppendEvent(context.Background(), id, event)
	})
	journal := NewJournal(id, rt.storage, events)
	state := NewStateStore(events)

	var registry *ToolRegistry
	if rt.mockTools != nil {
		registry = NewMockToolRegistry(events, journal, rt.mockTools)
	} else {
		registry = NewToolRegistry(events, journal)
	}

	invCtx, cancel := context.WithCancel(context.Background())
	inv := &Invocation{
		id:        id,
		def:       proc,
		runtime:   rt,
		params:    resolved,
		events:    events,
		journal:   journal,
		state:     state,
		registry:  registry,
		status:    StatusPending,
		createdAt: time.Now().UTC(),
		resumed:   resumed,
		parent:    parent,
		ctx:       invCtx,
		cancelFn:  cancel,
		done:      make(chan struct{}),
		agents:    map[string]*Agent{},
	}
	inv.hitl = &hitlGateway{inv: inv, handler: rt.hitl}
	inv.ctx = WithLogger(WithInvocation(inv.ctx, inv), rt.logger)

	if parent != nil {
		inv.resources = parent.resources.inherited()
		parent.addChild(inv)
	} else {
		resources, err := newResourceSet(proc.Resources(), rt.resourceFactories)
		if err != nil {
			return nil, err
		}
		inv.resources = resources
	}

	// A construction failure after the child is linked must still leave the
	// invocation terminal, or a parent's wait on it would hang.
	abort := func(err error) (*Invocation, error) {
		inv.finish(StatusFailed, nil, err)
		events.Close()
		close(inv.done)
		return nil, err
	}

	if err := rt.bindTools(inv); err != nil {
		return abort(err)
	}

	engine := rt.engineFor(proc)
	for _, spec := range proc.Agents() {
		provider, err := rt.providerFor(spec)
		if err != nil {
			return abort(err)
		}
		agent, err := newAgent(inv, spec, provider, engine)
		if err != nil {
			return abort(err)
		}
		inv.agents[spec.Name] = agent
	}

	rt.mu.Lock()
	rt.invocations[id] = inv
	rt.mu.Unlock()

	rt.persist(inv)
	go rt.execute(inv, engine)
	return inv, nil
}

// bindTools registers the built-ins, the runtime's native tools, and the
// procedure-backed tools for one invocation.
func (rt *Runtime) bindTools(inv *Invocation) error {
	if err := inv.registry.Register(NewDoneTool()); err != nil {
		return err
	}
	if err := inv.registry.Register(NewTodoTool(inv.state)); err != nil {
		return err
	}
	for _, tool := range rt.tools {
		if err := inv.registry.Register(tool); err != nil {
			return err
		}
	}
	for _, spec := range inv.def.Tools() {
		spec := spec
		tool := NewToolFunction(spec.Name, spec.Description, spec.Parameters,
			func(ctx context.Context, args map[string]any) (any, error) {
				child, err := rt.spawn(inv, spec.Procedure, args, "")
				if err != nil {
					return nil, err
				}
				result, _, err := child.Wait(ctx, -1)
				return result, err
			})
		if err := inv.registry.Register(tool); err != nil {
			return err
		}
	}
	// In mock mode agents may declare tools that only exist as canned
	// responses; register stubs so their schemas still reach the provider.
	if rt.mockTools != nil {
		for _, agent := range inv.def.Agents() {
			for _, name := range agent.Tools {
				if _, ok := inv.registry.Get(name); ok {
					continue
				}
				name := name
				stub := NewToolFunction(name, "", nil, func(ctx context.Context, args map[string]any) (any, error) {
					return nil, NewError(ErrInternal, "mock stub %q invoked directly", name)
				})
				if err := inv.registry.Register(stub); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (rt *Runtime) providerFor(spec *AgentSpec) (Provider, error) {
	if provider, ok := rt.providers[spec.Provider]; ok {
		return provider, nil
	}
	if rt.defaultProvider != nil {
		return rt.defaultProvider, nil
	}
	return nil, NewError(ErrValidation, "no provider registered for agent %q (provider %q)", spec.Name, spec.Provider)
}

// engineFor builds a compiler whose global names cover the Risor builtins
// plus this procedure's capability objects.
func (rt *Runtime) engineFor(proc *Procedure) *script.RisorEngine {
	globals := script.DefaultGlobals()
	for _, name := range bridgeGlobalNames(proc) {
		if _, exists := globals[name]; !exists {
			globals[name] = script.FromGo(nil)
		}
	}
	return script.NewRisorEngine(globals)
}

func (rt *Runtime) compile(engine *script.RisorEngine, proc *Procedure) (script.Script, error) {
	sum := sha256.Sum256([]byte(proc.Script()))
	key := proc.Name() + ":" + hex.EncodeToString(sum[:8])
	if compiled, ok := rt.scriptCache.Get(key); ok {
		return compiled, nil
	}
	compiled, err := engine.Compile(context.Background(), proc.Script())
	if err != nil {
		return nil, NewError(ErrValidation, "procedure %q script: %v", proc.Name(), err)
	}
	rt.scriptCache.Add(key, compiled)
	return compiled, nil
}

// execute is the invocation goroutine body: run the script, classify the
// outcome, and record the terminal state.
func (rt *Runtime) execute(inv *Invocation, engine *script.RisorEngine) {
	logger := rt.logger.With("invocation_id", inv.id, "procedure", inv.def.Name())

	defer func() {
		if r := recover(); r != nil {
			rt.finalize(inv, logger, nil, NewError(ErrInternal, "panic in procedure: %v", r))
		}
	}()

	inv.mu.Lock()
	inv.status = StatusRunning
	inv.mu.Unlock()
	lifecycle := "running"
	if inv.resumed {
		lifecycle = "resumed"
	}
	inv.events.Append(EventExecution, map[string]any{"lifecycle": lifecycle})
	rt.persist(inv)
	logger.Info("invocation started", "status", lifecycle)

	compiled, err := rt.compile(engine, inv.def)
	if err != nil {
		rt.finalize(inv, logger, nil, err)
		return
	}

	globals := buildGlobals(inv)
	value, err := compiled.Evaluate(inv.ctx, globals)
	if err != nil {
		rt.finalize(inv, logger, nil, Classify(err))
		return
	}
	rt.finalize(inv, logger, value.Value(), nil)
}

// finalize records the terminal status, emits the closing events, persists,
// and releases the invocation's resources.
func (rt *Runtime) finalize(inv *Invocation, logger *slog.Logger, result any, err error) {
	var status InvocationStatus
	var classified *Error
	if err != nil {
		classified = Classify(err)
		if classified.Kind == ErrCancelled {
			status = StatusCancelled
		} else {
			status = StatusFailed
		}
	} else {
		status = StatusCompleted
		normalized, normErr := normalizeJSONValue(result)
		if normErr != nil {
			status = StatusFailed
			classified = NewError(ErrInternal, "procedure result is not JSON-serialisable: %v", normErr)
			err = classified
			result = nil
		} else {
			result = normalized
		}
	}

	inv.finish(status, result, err)

	switch status {
	case StatusCompleted:
		inv.events.Append(EventExecution, map[string]any{"lifecycle": "completed"})
		inv.events.Append(EventOutput, map[string]any{"result": result})
		logger.Info("invocation completed")
	case StatusCancelled:
		inv.events.Append(EventExecution, map[string]any{"lifecycle": "cancelled", "error": err.Error()})
		logger.Info("invocation cancelled")
	default:
		if classified.Kind == ErrValidation {
			inv.events.Append(EventValidation, map[string]any{"error": err.Error()})
		}
		inv.events.Append(EventExecution, map[string]any{
			"lifecycle": "error",
			"kind":      string(classified.Kind),
			"error":     err.Error(),
		})
		logger.Error("invocation failed", "kind", string(classified.Kind), "error", err)
	}
	inv.events.Append(EventExecutionSummary, map[string]any{
		"status":      string(status),
		"iterations":  inv.Iterations(),
		"tool_calls":  len(inv.registry.Calls()),
		"stop_reason": inv.StopReason(),
	})

	rt.persist(inv)
	inv.resources.close()
	inv.events.Close()
	close(inv.done)
}

// persist saves the invocation record, logging rather than failing on
// storage errors.
func (rt *Runtime) persist(inv *Invocation) {
	if err := rt.storage.SaveInvocation(context.Background(), inv.Record()); err != nil {
		rt.logger.Error("failed to persist invocation", "invocation_id", inv.id, "error", err)
	}
}
