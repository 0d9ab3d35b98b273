// Package engine implements spec.md §4.B's ExecutionEngine: it walks a
// compiled executable-content container (a flat []model.Instruction) and
// performs each instruction's effect against a DataModel, delegating
// anything that crosses a session boundary (raising an internal event,
// sending, cancelling a delayed send) to an injected Dispatcher so this
// package never needs to import the interpreter or scheduler directly.
//
// Grounded on internal/core/machine.go's action/guard dispatch switch and
// internal/extensibility/actionrunner.go's DefaultActionRunner/
// LoggingActionRunner wrap-and-log pattern, generalized from the teacher's
// ActionRef/GuardRef (any-typed func-or-string) indirection to the spec's
// opaque ContainerId → []Instruction indirection into TableData.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hulaishun/qtscxml/internal/datamodel"
	"github.com/hulaishun/qtscxml/internal/model"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher is the session-facing side effects executable content can
// trigger. The interpreter's Session implements this; Engine never reaches
// across the interpreter/scheduler boundary on its own.
type Dispatcher interface {
	// Raise enqueues an internal event (spec.md's <raise>).
	Raise(ev model.Event)
	// Send schedules ev for delivery to target after delayMs (0 = as soon as
	// the current macrostep settles). target is the raw, already-resolved
	// <send target> string ("" = this session's own external queue); the
	// dispatcher owns interpreting #_parent/#_scxml_<id>/#_<invokeId>/etc.
	Send(ev model.Event, target string, delayMs int)
	// Cancel attempts to cancel a pending delayed send; returns whether one
	// was found and removed.
	Cancel(sendId string) bool
	// Log surfaces a <log label expr> instruction's formatted text — this is
	// the spec-mandated Log signal, not the ambient diagnostic OnLog hook.
	Log(label, text string)
}

// Engine executes containers of compiled instructions against a DataModel.
type Engine struct {
	Table      *model.TableData
	DataModel  datamodel.DataModel
	Dispatcher Dispatcher
	Tracer     trace.Tracer // nil = no tracing, same default-nil idiom as the teacher's actionRunner/guardEval
}

func New(td *model.TableData, dm datamodel.DataModel, d Dispatcher) *Engine {
	return &Engine{Table: td, DataModel: dm, Dispatcher: d}
}

// Execute walks containerId's instructions in order, honoring If/ElseIf/
// Else/EndIf skip-distances. A failing instruction (bad evaluator, missing
// location) does not abort the remaining instructions in the container —
// spec.md treats each executable-content failure as reported, not fatal —
// except that the caller (interpreter) is responsible for raising
// error.execution per spec.md §7; Execute itself only returns the first
// error encountered, for that caller to act on.
func (e *Engine) Execute(ctx context.Context, containerId model.ContainerId) error {
	instrs := e.Table.InstructionsOf(containerId)
	if len(instrs) == 0 {
		return nil
	}
	if e.Tracer != nil {
		var span trace.Span
		ctx, span = e.Tracer.Start(ctx, "engine.Execute")
		defer span.End()
	}
	var firstErr error
	for i := 0; i < len(instrs); i++ {
		instr := instrs[i]
		switch instr.Op {
		case model.OpIf, model.OpElseIf:
			ok, _ := e.DataModel.EvaluateToBool(instr.Cond)
			if !ok {
				i += instr.Skip
			}
		case model.OpElse, model.OpEndIf:
			// no-op markers; control flow already landed here via a Skip
		case model.OpAssign:
			if !e.DataModel.EvaluateAssignment(instr.Evaluator) {
				firstErr = firstOf(firstErr, fmt.Errorf("assign to %q failed", e.Table.String(instr.Location)))
			}
		case model.OpRaise:
			name := e.resolveEventName(instr.EventNameLit, instr.EventNameExpr)
			if name == "" {
				firstErr = firstOf(firstErr, fmt.Errorf("raise: empty event name"))
				continue
			}
			e.Dispatcher.Raise(model.New(name, nil))
		case model.OpSend:
			if err := e.execSend(instr.Send); err != nil {
				firstErr = firstOf(firstErr, err)
			}
		case model.OpCancel:
			sendId := e.resolveString(instr.SendIdLit, instr.SendIdExpr)
			if sendId == "" {
				firstErr = firstOf(firstErr, fmt.Errorf("cancel: no send id"))
				continue
			}
			e.Dispatcher.Cancel(sendId)
		case model.OpLog:
			text, _ := e.DataModel.EvaluateToString(instr.Expr)
			e.Dispatcher.Log(e.Table.String(instr.Label), text)
		case model.OpForeach:
			ok := e.DataModel.EvaluateForeach(instr.ArrayExpr, e.Table.String(instr.ItemLoc), e.Table.String(instr.IndexLoc),
				func(datamodel.Value, int) bool {
					if err := e.Execute(ctx, instr.Body); err != nil {
						firstErr = firstOf(firstErr, err)
					}
					return true
				})
			if !ok {
				firstErr = firstOf(firstErr, fmt.Errorf("foreach: not an array"))
			}
		case model.OpExecuteContent:
			// DoneData evaluation is driven by the interpreter at final-state
			// exit (it needs the donedata value, not a side effect here); this
			// op only appears inside a container the interpreter evaluates
			// directly, so Execute treats it as a no-op if ever walked.
		}
	}
	return firstErr
}

func firstOf(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}

func (e *Engine) resolveEventName(lit model.StringId, expr model.EvaluatorId) string {
	if lit != model.NoString {
		return e.Table.String(lit)
	}
	s, _ := e.DataModel.EvaluateToString(expr)
	return s
}

func (e *Engine) resolveString(lit model.StringId, expr model.EvaluatorId) string {
	if lit != model.NoString {
		return e.Table.String(lit)
	}
	s, _ := e.DataModel.EvaluateToString(expr)
	return s
}

func (e *Engine) execSend(p model.SendParams) error {
	name := e.resolveEventName(p.EventName, p.EventExpr)
	if name == "" {
		return fmt.Errorf("send: empty event name")
	}
	target := e.resolveString(p.Target, p.TargetExpr)
	delay := p.DelayMs
	if p.DelayExpr != model.NoEvaluator {
		if s, ok := e.DataModel.EvaluateToString(p.DelayExpr); ok {
			delay = parseDelayMs(s)
		}
	}
	sendId := ""
	if p.SendIdExpr != model.NoEvaluator {
		sendId, _ = e.DataModel.EvaluateToString(p.SendIdExpr)
	}
	if sendId == "" {
		sendId = uuid.NewString()
	}
	if p.SendIdLoc != model.NoString {
		e.DataModel.SetProperty(e.Table.String(p.SendIdLoc), datamodel.String(sendId))
	}

	data := e.buildSendData(p)
	ev := model.New(name, data).WithSendId(sendId)
	ev.OriginType = "scxml"
	e.Dispatcher.Send(ev, target, delay)
	return nil
}

func (e *Engine) buildSendData(p model.SendParams) any {
	if len(p.Params) == 0 && len(p.NamelistLoc) == 0 {
		return nil
	}
	out := make(map[string]any)
	for _, sid := range p.NamelistLoc {
		name := e.Table.String(sid)
		if v, ok := e.DataModel.Property(name); ok {
			out[name] = v.Any()
		}
	}
	for _, pm := range p.Params {
		name := e.Table.String(pm.Name)
		if pm.Location != model.NoString {
			if v, ok := e.DataModel.Property(e.Table.String(pm.Location)); ok {
				out[name] = v.Any()
			}
			continue
		}
		if v, ok := e.DataModel.EvaluateToVariant(pm.Expr); ok {
			out[name] = v.Any()
		}
	}
	return out
}

// EvaluateDoneData computes a final state's <donedata> payload, called
// directly by the interpreter at final-state exit (not via Execute, since
// donedata is a value the caller needs, not an instruction stream side
// effect).
func (e *Engine) EvaluateDoneData(dd *model.DoneData) any {
	if dd == nil {
		return nil
	}
	if dd.ContentExpr != model.NoEvaluator {
		v, _ := e.DataModel.EvaluateToVariant(dd.ContentExpr)
		return v.Any()
	}
	out := make(map[string]any, len(dd.Params))
	for _, pm := range dd.Params {
		name := e.Table.String(pm.Name)
		if pm.Location != model.NoString {
			if v, ok := e.DataModel.Property(e.Table.String(pm.Location)); ok {
				out[name] = v.Any()
			}
			continue
		}
		if v, ok := e.DataModel.EvaluateToVariant(pm.Expr); ok {
			out[name] = v.Any()
		}
	}
	return out
}

func parseDelayMs(s string) int {
	// Accepts a bare millisecond integer or a "<n>s"/"<n>ms" suffix — the
	// parser is expected to normalize <send delay="..."> into one of these
	// before compiling, so this only needs to cover what Builder emits.
	var n int
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err != nil {
		fmt.Sscanf(s, "%d", &n)
		return n
	}
	switch unit {
	case "s":
		return n * 1000
	default:
		return n
	}
}
