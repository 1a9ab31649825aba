package tactus

import (
	"context"
	"fmt"
	"time"

	"github.com/risor-io/risor/object"

	"github.com/tactus-ai/tactus/script"
)

// bridgeGlobalNames lists every global a procedure's scripts may reference:
// the shared capability namespaces, one object per declared agent, and the
// lowercase template globals.
func bridgeGlobalNames(proc *Procedure) []string {
	names := []string{
		"State", "Stage", "Log", "Tool", "Human", "Procedure",
		"Step", "Iterations", "Session", "Params",
		"params", "state",
	}
	for _, agent := range proc.Agents() {
		names = append(names, agent.Name)
	}
	return names
}

// buildGlobals constructs the capability objects for one invocation. Every
// object closes over the invocation, never over process state, so parallel
// invocations cannot interfere.
func buildGlobals(inv *Invocation) map[string]any {
	globals := map[string]any{
		"Params":     script.FromGo(inv.Params()),
		"params":     script.FromGo(inv.Params()),
		"state":      object.Nil,
		"State":      stateObject(inv),
		"Stage":      stageObject(inv),
		"Log":        logObject(inv),
		"Tool":       toolObject(inv),
		"Human":      humanObject(inv),
		"Procedure":  procedureObject(inv),
		"Step":       stepObject(inv),
		"Iterations": iterationsObject(inv),
		"Session":    sessionObject(inv),
	}
	for name, agent := range inv.agents {
		globals[name] = agentObject(inv, agent)
	}
	return globals
}

// raise converts a host error into a Risor error object. The kind prefix in
// the message is what scripts match on in try() handlers.
func raise(err error) object.Object {
	return object.NewError(Classify(err))
}

func argString(name string, args []object.Object, i int) (string, object.Object) {
	if i >= len(args) {
		return "", object.Errorf("%s: missing argument %d", name, i+1)
	}
	s, ok := args[i].(*object.String)
	if !ok {
		return "", object.Errorf("%s: argument %d must be a string", name, i+1)
	}
	return s.Value(), nil
}

func argMap(name string, args []object.Object, i int) (map[string]any, object.Object) {
	if i >= len(args) {
		return map[string]any{}, nil
	}
	m, ok := args[i].(*object.Map)
	if !ok {
		return nil, object.Errorf("%s: argument %d must be a map", name, i+1)
	}
	converted, _ := script.ToGo(m).(map[string]any)
	if converted == nil {
		converted = map[string]any{}
	}
	return converted, nil
}

func argNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func stateObject(inv *Invocation) object.Object {
	return object.NewMap(map[string]object.Object{
		"get": object.NewBuiltin("State.get", func(ctx context.Context, args ...object.Object) object.Object {
			key, errObj := argString("State.get", args, 0)
			if errObj != nil {
				return errObj
			}
			return script.FromGo(inv.state.Get(key))
		}),
		"set": object.NewBuiltin("State.set", func(ctx context.Context, args ...object.Object) object.Object {
			key, errObj := argString("State.set", args, 0)
			if errObj != nil {
				return errObj
			}
			if len(args) < 2 {
				return object.Errorf("State.set: missing value")
			}
			if err := inv.state.Set(key, script.ToGo(args[1])); err != nil {
				return raise(err)
			}
			return object.Nil
		}),
		"incr": object.NewBuiltin("State.incr", func(ctx context.Context, args ...object.Object) object.Object {
			key, errObj := argString("State.incr", args, 0)
			if errObj != nil {
				return errObj
			}
			delta := 1.0
			if len(args) > 1 {
				n, ok := argNumber(script.ToGo(args[1]))
				if !ok {
					return object.Errorf("State.incr: delta must be a number")
				}
				delta = n
			}
			value, err := inv.state.Incr(key, delta)
			if err != nil {
				return raise(err)
			}
			return script.FromGo(value)
		}),
		"has": object.NewBuiltin("State.has", func(ctx context.Context, args ...object.Object) object.Object {
			key, errObj := argString("State.has", args, 0)
			if errObj != nil {
				return errObj
			}
			return object.NewBool(inv.state.Has(key))
		}),
		"clear": object.NewBuiltin("State.clear", func(ctx context.Context, args ...object.Object) object.Object {
			inv.state.Clear()
			return object.Nil
		}),
		"dump": object.NewBuiltin("State.dump", func(ctx context.Context, args ...object.Object) object.Object {
			return script.FromGo(inv.state.Dump())
		}),
		"keys": object.NewBuiltin("State.keys", func(ctx context.Context, args ...object.Object) object.Object {
			return script.FromGo(inv.state.Keys())
		}),
	})
}

func stageObject(inv *Invocation) object.Object {
	return object.NewMap(map[string]object.Object{
		"set": object.NewBuiltin("Stage.set", func(ctx context.Context, args ...object.Object) object.Object {
			stage, errObj := argString("Stage.set", args, 0)
			if errObj != nil {
				return errObj
			}
			inv.SetStage(stage)
			return object.Nil
		}),
		"current": object.NewBuiltin("Stage.current", func(ctx context.Context, args ...object.Object) object.Object {
			return object.NewString(inv.Stage())
		}),
	})
}

func logObject(inv *Invocation) object.Object {
	emit := func(level string) *object.Builtin {
		return object.NewBuiltin("Log."+level, func(ctx context.Context, args ...object.Object) object.Object {
			message, errObj := argString("Log."+level, args, 0)
			if errObj != nil {
				return errObj
			}
			payload := map[string]any{"level": level, "message": message}
			if len(args) > 1 {
				if fields, ok := script.ToGo(args[1]).(map[string]any); ok {
					payload["fields"] = fields
				}
			}
			inv.events.Append(EventLogMessage, payload)
			return object.Nil
		})
	}
	return object.NewMap(map[string]object.Object{
		"debug": emit("debug"),
		"info":  emit("info"),
		"warn":  emit("warn"),
		"error": emit("error"),
	})
}

func toolCallRecordValue(call *ToolCallRecord) map[string]any {
	if call == nil {
		return nil
	}
	out := map[string]any{
		"tool":      call.Tool,
		"args":      call.Arguments,
		"timestamp": call.Timestamp.Format(time.RFC3339Nano),
	}
	if call.Agent != "" {
		out["agent"] = call.Agent
	}
	if call.Error != "" {
		out["error"] = call.Error
	} else {
		out["result"] = call.Result
	}
	return out
}

func toolObject(inv *Invocation) object.Object {
	return object.NewMap(map[string]object.Object{
		"called": object.NewBuiltin("Tool.called", func(ctx context.Context, args ...object.Object) object.Object {
			name, errObj := argString("Tool.called", args, 0)
			if errObj != nil {
				return errObj
			}
			return object.NewBool(inv.registry.Called(name))
		}),
		"last_call": object.NewBuiltin("Tool.last_call", func(ctx context.Context, args ...object.Object) object.Object {
			name, errObj := argString("Tool.last_call", args, 0)
			if errObj != nil {
				return errObj
			}
			return script.FromGo(toolCallRecordValue(inv.registry.LastCall(name)))
		}),
		"calls_of": object.NewBuiltin("Tool.calls_of", func(ctx context.Context, args ...object.Object) object.Object {
			name, errObj := argString("Tool.calls_of", args, 0)
			if errObj != nil {
				return errObj
			}
			calls := inv.registry.CallsOf(name)
			out := make([]any, 0, len(calls))
			for i := range calls {
				out = append(out, toolCallRecordValue(&calls[i]))
			}
			return script.FromGo(out)
		}),
		"call": object.NewBuiltin("Tool.call", func(ctx context.Context, args ...object.Object) object.Object {
			name, errObj := argString("Tool.call", args, 0)
			if errObj != nil {
				return errObj
			}
			callArgs, errObj := argMap("Tool.call", args, 1)
			if errObj != nil {
				return errObj
			}
			result, err := inv.registry.Call(ctx, "", name, callArgs)
			if err != nil {
				return raise(err)
			}
			return script.FromGo(result)
		}),
	})
}

func humanObject(inv *Invocation) object.Object {
	request := func(kind HITLKind) *object.Builtin {
		fnName := "Human." + string(kind)
		return object.NewBuiltin(fnName, func(ctx context.Context, args ...object.Object) object.Object {
			opts, errObj := argMap(fnName, args, 0)
			if errObj != nil {
				return errObj
			}
			message, _ := opts["message"].(string)
			if message == "" {
				return object.Errorf("%s: message is required", fnName)
			}
			name, _ := opts["name"].(string)
			requestContext, _ := opts["context"].(map[string]any)

			var timeout time.Duration
			if raw, ok := opts["timeout"]; ok {
				seconds, ok := argNumber(raw)
				if !ok {
					return object.Errorf("%s: timeout must be a number of seconds", fnName)
				}
				timeout = time.Duration(seconds * float64(time.Second))
			}
			defaultValue, hasDefault := opts["default"]

			value, err := inv.hitl.request(ctx, kind, name, message, requestContext, timeout, defaultValue, hasDefault)
			if err != nil {
				return raise(err)
			}
			return script.FromGo(value)
		})
	}
	return object.NewMap(map[string]object.Object{
		"approve": request(HITLApprove),
		"input":   request(HITLInput),
		"review":  request(HITLReview),
	})
}

func stepObject(inv *Invocation) object.Object {
	return object.NewMap(map[string]object.Object{
		"run": object.NewBuiltin("Step.run", func(ctx context.Context, args ...object.Object) object.Object {
			name, errObj := argString("Step.run", args, 0)
			if errObj != nil {
				return errObj
			}
			if len(args) < 2 {
				return object.Errorf("Step.run: missing function")
			}
			fn, ok := args[1].(*object.Function)
			if !ok {
				return object.Errorf("Step.run: argument 2 must be a function")
			}
			callFunc, ok := object.GetCallFunc(ctx)
			if !ok {
				return object.Errorf("Step.run: no call context available")
			}
			value, err := inv.journal.RunOnce(ctx, "step."+name, func() (any, error) {
				result, err := callFunc(ctx, fn, nil)
				if err != nil {
					return nil, err
				}
				return script.ToGo(result), nil
			})
			if err != nil {
				return raise(err)
			}
			return script.FromGo(value)
		}),
	})
}

func iterationsObject(inv *Invocation) object.Object {
	return object.NewMap(map[string]object.Object{
		"current": object.NewBuiltin("Iterations.current", func(ctx context.Context, args ...object.Object) object.Object {
			return object.NewInt(int64(inv.Iterations()))
		}),
		"exceeded": object.NewBuiltin("Iterations.exceeded", func(ctx context.Context, args ...object.Object) object.Object {
			if len(args) < 1 {
				return object.Errorf("Iterations.exceeded: missing budget")
			}
			budget, ok := argNumber(script.ToGo(args[0]))
			if !ok {
				return object.Errorf("Iterations.exceeded: budget must be a number")
			}
			return object.NewBool(float64(inv.Iterations()) >= budget)
		}),
	})
}

func sessionObject(inv *Invocation) object.Object {
	withSession := func(fnName string, fn func(session *Session, args []object.Object) object.Object) *object.Builtin {
		return object.NewBuiltin(fnName, func(ctx context.Context, args ...object.Object) object.Object {
			agent, errObj := argString(fnName, args, 0)
			if errObj != nil {
				return errObj
			}
			return fn(inv.Session(agent), args[1:])
		})
	}
	return object.NewMap(map[string]object.Object{
		"history": withSession("Session.history", func(session *Session, args []object.Object) object.Object {
			return script.FromGo(sessionHistoryValue(session))
		}),
		"clear": withSession("Session.clear", func(session *Session, args []object.Object) object.Object {
			session.Clear()
			return object.Nil
		}),
		"inject_system": withSession("Session.inject_system", func(session *Session, args []object.Object) object.Object {
			if len(args) < 1 {
				return object.Errorf("Session.inject_system: missing text")
			}
			text, ok := args[0].(*object.String)
			if !ok {
				return object.Errorf("Session.inject_system: text must be a string")
			}
			session.InjectSystem(text.Value())
			return object.Nil
		}),
		"save_to": withSession("Session.save_to", func(session *Session, args []object.Object) object.Object {
			if len(args) < 1 {
				return object.Errorf("Session.save_to: missing state key")
			}
			key, ok := args[0].(*object.String)
			if !ok {
				return object.Errorf("Session.save_to: state key must be a string")
			}
			if err := session.SaveTo(inv.state, key.Value()); err != nil {
				return raise(err)
			}
			return object.Nil
		}),
		"load_from": withSession("Session.load_from", func(session *Session, args []object.Object) object.Object {
			if len(args) < 1 {
				return object.Errorf("Session.load_from: missing state key")
			}
			key, ok := args[0].(*object.String)
			if !ok {
				return object.Errorf("Session.load_from: state key must be a string")
			}
			if err := session.LoadFrom(inv.state, key.Value()); err != nil {
				return raise(err)
			}
			return object.Nil
		}),
	})
}

func sessionHistoryValue(session *Session) []any {
	history := session.History()
	out := make([]any, 0, len(history))
	for _, msg := range history {
		entry := map[string]any{
			"role":       string(msg.Role),
			"content":    msg.Content,
			"visibility": string(msg.Visibility),
		}
		if msg.ToolName != "" {
			entry["tool_name"] = msg.ToolName
		}
		out = append(out, entry)
	}
	return out
}

func agentObject(inv *Invocation, agent *Agent) object.Object {
	agentName := agent.Name()
	session := map[string]object.Object{
		"history": object.NewBuiltin(agentName+".session.history", func(ctx context.Context, args ...object.Object) object.Object {
			return script.FromGo(sessionHistoryValue(inv.Session(agentName)))
		}),
		"clear": object.NewBuiltin(agentName+".session.clear", func(ctx context.Context, args ...object.Object) object.Object {
			inv.Session(agentName).Clear()
			return object.Nil
		}),
	}
	return object.NewMap(map[string]object.Object{
		"name":    object.NewString(agentName),
		"session": object.NewMap(session),
		"turn": object.NewBuiltin(agentName+".turn", func(ctx context.Context, args ...object.Object) object.Object {
			result, err := agent.Turn(ctx)
			if err != nil {
				return raise(err)
			}
			value, normErr := normalizeJSONValue(result)
			if normErr != nil {
				return raise(NewError(ErrInternal, "turn result not serialisable: %v", normErr))
			}
			return script.FromGo(value)
		}),
	})
}

func procedureObject(inv *Invocation) object.Object {
	return object.NewMap(map[string]object.Object{
		"run": object.NewBuiltin("Procedure.run", func(ctx context.Context, args ...object.Object) object.Object {
			name, errObj := argString("Procedure.run", args, 0)
			if errObj != nil {
				return errObj
			}
			params, errObj := argMap("Procedure.run", args, 1)
			if errObj != nil {
				return errObj
			}
			childID, err := spawnChild(ctx, inv, name, params)
			if err != nil {
				return raise(err)
			}
			result, _, err := waitChild(ctx, inv, childID, -1)
			if err != nil {
				return raise(err)
			}
			return script.FromGo(result)
		}),
		"spawn": object.NewBuiltin("Procedure.spawn", func(ctx context.Context, args ...object.Object) object.Object {
			name, errObj := argString("Procedure.spawn", args, 0)
			if errObj != nil {
				return errObj
			}
			params, errObj := argMap("Procedure.spawn", args, 1)
			if errObj != nil {
				return errObj
			}
			childID, err := spawnChild(ctx, inv, name, params)
			if err != nil {
				return raise(err)
			}
			return object.NewString(childID)
		}),
		"status": object.NewBuiltin("Procedure.status", func(ctx context.Context, args ...object.Object) object.Object {
			handle, errObj := argString("Procedure.status", args, 0)
			if errObj != nil {
				return errObj
			}
			status, err := childStatus(ctx, inv, handle)
			if err != nil {
				return raise(err)
			}
			return script.FromGo(status)
		}),
		"wait": object.NewBuiltin("Procedure.wait", func(ctx context.Context, args ...object.Object) object.Object {
			handle, errObj := argString("Procedure.wait", args, 0)
			if errObj != nil {
				return errObj
			}
			opts, errObj := argMap("Procedure.wait", args, 1)
			if errObj != nil {
				return errObj
			}
			timeout := time.Duration(-1)
			if raw, ok := opts["timeout"]; ok {
				seconds, ok := argNumber(raw)
				if !ok {
					return object.Errorf("Procedure.wait: timeout must be a number of seconds")
				}
				timeout = time.Duration(seconds * float64(time.Second))
			}
			result, done, err := waitChild(ctx, inv, handle, timeout)
			if err != nil {
				return raise(err)
			}
			if !done {
				return object.Nil
			}
			return script.FromGo(result)
		}),
		"wait_all": object.NewBuiltin("Procedure.wait_all", func(ctx context.Context, args ...object.Object) object.Object {
			if len(args) < 1 {
				return object.Errorf("Procedure.wait_all: missing handles")
			}
			list, ok := args[0].(*object.List)
			if !ok {
				return object.Errorf("Procedure.wait_all: handles must be a list")
			}
			for _, item := range list.Value() {
				handle, ok := item.(*object.String)
				if !ok {
					return object.Errorf("Procedure.wait_all: handles must be strings")
				}
				if _, _, err := waitChild(ctx, inv, handle.Value(), -1); err != nil {
					if MatchesKind(err, ErrCancelled) {
						return raise(err)
					}
					// A failed child is observable via result(); wait_all
					// only waits for terminal status.
				}
			}
			return object.Nil
		}),
		"result": object.NewBuiltin("Procedure.result", func(ctx context.Context, args ...object.Object) object.Object {
			handle, errObj := argString("Procedure.result", args, 0)
			if errObj != nil {
				return errObj
			}
			result, _, err := waitChild(ctx, inv, handle, -1)
			if err != nil {
				return raise(err)
			}
			return script.FromGo(result)
		}),
		"cancel": object.NewBuiltin("Procedure.cancel", func(ctx context.Context, args ...object.Object) object.Object {
			handle, errObj := argString("Procedure.cancel", args, 0)
			if errObj != nil {
				return errObj
			}
			if child, ok := inv.runtime.Invocation(handle); ok {
				child.Cancel()
			}
			return object.Nil
		}),
	})
}

// spawnChild starts (or, on replay, revives) a child invocation and returns
// its handle. The handle is journalled so resumed parents reattach to the
// same child journal namespace.
func spawnChild(ctx context.Context, inv *Invocation, name string, params map[string]any) (string, error) {
	value, err := inv.journal.Step(ctx, "procedure.spawn."+name, func() (any, error) {
		child, err := inv.runtime.spawn(inv, name, params, "")
		if err != nil {
			return nil, err
		}
		return child.ID(), nil
	})
	if err != nil {
		return "", err
	}
	childID, ok := value.(string)
	if !ok {
		return "", NewError(ErrCheckpointConflict, "journalled spawn handle is not a string")
	}
	if _, live := inv.runtime.Invocation(childID); !live {
		record, err := inv.runtime.storage.LoadInvocation(ctx, childID)
		if err != nil {
			return "", WrapError(ErrInternal, err)
		}
		if record == nil || !InvocationStatus(record.Status).Terminal() {
			if _, err := inv.runtime.spawn(inv, name, params, childID); err != nil {
				return "", err
			}
		}
	}
	return childID, nil
}

// waitChild blocks until the child is terminal or the timeout elapses. The
// outcome is journalled by child handle, so replays observe it exactly once
// without re-waiting. done=false reports the null-sentinel timeout case.
func waitChild(ctx context.Context, inv *Invocation, childID string, timeout time.Duration) (any, bool, error) {
	value, err := inv.journal.Step(ctx, "procedure.wait."+childID, func() (any, error) {
		outcome := map[string]any{}
		child, live := inv.runtime.Invocation(childID)
		if !live {
			record, err := inv.runtime.storage.LoadInvocation(ctx, childID)
			if err != nil {
				return nil, WrapError(ErrInternal, err)
			}
			if record == nil {
				return nil, NewError(ErrValidation, "unknown child invocation %q", childID)
			}
			if !InvocationStatus(record.Status).Terminal() {
				return nil, NewError(ErrInternal, "child invocation %q is neither live nor terminal", childID)
			}
			outcome["done"] = true
			outcome["result"] = record.Result
			if record.Error != "" {
				outcome["error"] = record.Error
				outcome["kind"] = string(Classify(fmt.Errorf("%s", record.Error)).Kind)
			}
			return outcome, nil
		}

		inv.setStatus(StatusWaitingChild)
		defer inv.setStatus(StatusRunning)

		result, done, err := child.Wait(ctx, timeout)
		if err != nil && ctx.Err() != nil {
			// Parent cancellation is not a journallable outcome.
			return nil, WrapError(ErrCancelled, ctx.Err())
		}
		outcome["done"] = done
		if !done {
			return outcome, nil
		}
		if err != nil {
			classified := Classify(err)
			outcome["error"] = classified.Message
			outcome["kind"] = string(classified.Kind)
		} else {
			outcome["result"] = result
		}
		return outcome, nil
	})
	if err != nil {
		return nil, false, err
	}

	outcome, ok := value.(map[string]any)
	if !ok {
		return nil, false, NewError(ErrCheckpointConflict, "journalled wait outcome has unexpected shape")
	}
	done, _ := outcome["done"].(bool)
	if !done {
		return nil, false, nil
	}
	if errText, ok := outcome["error"].(string); ok && errText != "" {
		kind := ErrInternal
		if k, ok := outcome["kind"].(string); ok && k != "" {
			kind = ErrorKind(k)
		}
		return nil, true, NewError(kind, "child %s failed: %s", childID, errText)
	}
	return outcome["result"], true, nil
}

func childStatus(ctx context.Context, inv *Invocation, childID string) (map[string]any, error) {
	if child, ok := inv.runtime.Invocation(childID); ok {
		return map[string]any{
			"status":            string(child.Status()),
			"waiting_for_human": child.Status() == StatusWaitingHuman,
			"iterations":        int64(child.Iterations()),
		}, nil
	}
	record, err := inv.runtime.storage.LoadInvocation(ctx, childID)
	if err != nil {
		return nil, WrapError(ErrInternal, err)
	}
	if record == nil {
		return nil, NewError(ErrValidation, "unknown child invocation %q", childID)
	}
	return map[string]any{
		"status":            record.Status,
		"waiting_for_human": record.Status == string(StatusWaitingHuman),
		"iterations":        int64(0),
	}, nil
}
