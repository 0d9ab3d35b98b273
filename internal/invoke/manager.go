// Package invoke implements spec.md §4.G's InvokeManager: starting child
// sessions declared by <invoke>, computing invoke ids, namelist/params
// data, running <finalize>, forwarding autoforwarded events, and routing
// #_parent/#_scxml_<sessionId>/#_<invokeId> sends. Uninvoke unregisters a
// child so it is no longer routable; it does not stop the child's own Run
// loop, which keeps running until its context ends or it finishes.
//
// [SUPPLEMENT — from original_source] original_source/src/scxml/
// scxmlstatemachine.cpp's InvokableScxml/QScxmlInvokableServiceFactory
// wiring grounds the id/namelist/autoforward/finalize shape and the
// #_parent/#_scxml_<sessionId> routing rules; it is also the source for two
// details spec.md leaves ambiguous: finalize binds _event to the PARENT's
// data model scoped only to the finalize container's execution, and
// done.invoke.<sessionId> carries invoke_id set to the child's own session
// id, not the factory's declared id (see model.NewDoneInvoke).
package invoke

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hulaishun/qtscxml/internal/datamodel"
	"github.com/hulaishun/qtscxml/internal/interpreter"
	"github.com/hulaishun/qtscxml/internal/model"
)

// Factory starts one child session for a given <invoke> declaration.
// NewManager registers no factory, "scxml" (a nested chart) included: the
// host registers every type it uses (e.g. "scxml", or "http" for a basic
// HTTP invocation) the same way Qt's QScxmlInvokableServiceFactory
// registry lets embedders add invocation types.
type Factory interface {
	Start(parent *interpreter.Session, decl model.InvokeDecl, invokeId string, data map[string]any) (*interpreter.Session, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(parent *interpreter.Session, decl model.InvokeDecl, invokeId string, data map[string]any) (*interpreter.Session, error)

func (f FactoryFunc) Start(parent *interpreter.Session, decl model.InvokeDecl, invokeId string, data map[string]any) (*interpreter.Session, error) {
	return f(parent, decl, invokeId, data)
}

type invocation struct {
	invokeId string
	decl     model.InvokeDecl
	owner    *interpreter.Session
	child    *interpreter.Session
	cancel   context.CancelFunc
}

// Manager owns every invocation transitively started under one top-level
// StateMachine. A single Manager is shared by a session and all of its
// descendants so #_parent/#_scxml_<sessionId>/#_<invokeId> routing can
// resolve across the whole tree, not just parent/child pairs.
type Manager struct {
	mu sync.RWMutex

	factories map[string]Factory

	byKey     map[invocationKey]*invocation // (ownerSessionId, stateId, index)
	byChildID map[string]*invocation        // child session id -> invocation
	sessions  map[string]*interpreter.Session

	counter atomic.Int64
}

type invocationKey struct {
	owner string
	state model.StateId
	index int
}

func NewManager() *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		byKey:     make(map[invocationKey]*invocation),
		byChildID: make(map[string]*invocation),
		sessions:  make(map[string]*interpreter.Session),
	}
}

// Register adds a Factory for the given <invoke type="..."> value.
func (m *Manager) Register(invokeType string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[invokeType] = f
}

// Track records s so it can be found by #_scxml_<sessionId>; call once a
// session (top-level or child) starts running.
func (m *Manager) Track(s *interpreter.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionId] = s
	s.Invoker = m
	s.Router = m
}

// --- interpreter.Invoker ---

func (m *Manager) Invoke(s *interpreter.Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int) {
	invokeId := decl.Id
	if invokeId == "" {
		invokeId = fmt.Sprintf("%sinvoke%d", decl.IdPrefix, m.counter.Add(1))
	}
	if decl.IdLocation != model.NoString {
		s.DataModel.SetProperty(s.Table.String(decl.IdLocation), datamodel.String(invokeId))
	}

	data := make(map[string]any)
	for _, nameId := range decl.Namelist {
		name := s.Table.String(nameId)
		if v, ok := s.DataModel.Property(name); ok {
			data[name] = v.Any()
		}
	}
	for _, p := range decl.Params {
		name := s.Table.String(p.Name)
		if p.Location != model.NoString {
			if v, ok := s.DataModel.Property(s.Table.String(p.Location)); ok {
				data[name] = v.Any()
			}
			continue
		}
		if v, ok := s.DataModel.EvaluateToVariant(p.Expr); ok {
			data[name] = v.Any()
		}
	}

	m.mu.RLock()
	factory, ok := m.factories[decl.Type]
	m.mu.RUnlock()
	if !ok {
		s.Raise(model.NewErrorExecution("", fmt.Errorf("invoke: no factory registered for type %q", decl.Type)))
		return
	}

	child, err := factory.Start(s, decl, invokeId, data)
	if err != nil {
		s.Raise(model.NewErrorExecution("", err))
		return
	}

	inv := &invocation{invokeId: invokeId, decl: decl, owner: s, child: child}
	key := invocationKey{owner: s.SessionId, state: stateId, index: invokeIndex}
	m.mu.Lock()
	m.byKey[key] = inv
	m.byChildID[child.SessionId] = inv
	m.sessions[child.SessionId] = child
	m.mu.Unlock()

	child.Invoker = m
	child.Router = m
	child.OnFinished = func(doneData any) {
		s.SubmitEvent(model.NewDoneInvoke(child.SessionId, doneData))
	}
}

// AdoptChild wires child into the invoke hierarchy as if owner had started
// it via <invoke>, so #_parent from child and #_scxml_<sessionId> addressing
// resolve, without a Factory or a (stateId, index) declaration site — used
// by qtscxml.StateMachine.SetParentStateMachine for machines the host links
// directly rather than through Invoke.
func (m *Manager) AdoptChild(owner, child *interpreter.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[child.SessionId] = child
	m.byChildID[child.SessionId] = &invocation{owner: owner, child: child}
	child.Invoker = m
	child.Router = m
}

func (m *Manager) Uninvoke(s *interpreter.Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int) {
	key := invocationKey{owner: s.SessionId, state: stateId, index: invokeIndex}
	m.mu.Lock()
	inv, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
		delete(m.byChildID, inv.child.SessionId)
		delete(m.sessions, inv.child.SessionId)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if inv.cancel != nil {
		inv.cancel()
	}
}

// Finalize implements interpreter.Invoker: when ev was returned by the
// invocation at (s, stateId, invokeIndex) — its InvokeId matches that
// invocation's child session — run decl.Finalize against the PARENT's data
// model with _event bound to ev for the duration of the call only. This
// fires on every matching external event the parent processes (a child's
// own done.invoke.<id> included, since that event also carries the child's
// session id as InvokeId), not just at invoke exit — grounded on the Qt
// original's scoping of finalize (scxmlstatemachine.cpp).
func (m *Manager) Finalize(s *interpreter.Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int, ev model.Event) {
	if decl.Finalize == model.NoContainer || ev.InvokeId == "" {
		return
	}
	key := invocationKey{owner: s.SessionId, state: stateId, index: invokeIndex}
	m.mu.RLock()
	inv, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok || ev.InvokeId != inv.child.SessionId {
		return
	}
	s.DataModel.SetEvent(ev)
	s.Engine.Execute(context.Background(), decl.Finalize)
}

func (m *Manager) Autoforward(s *interpreter.Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int, ev model.Event) {
	key := invocationKey{owner: s.SessionId, state: stateId, index: invokeIndex}
	m.mu.RLock()
	inv, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	inv.child.SubmitEvent(ev.Clone())
}

// --- interpreter.Router ---

func (m *Manager) Route(from *interpreter.Session, target string, ev model.Event, delayMs int) bool {
	switch {
	case target == "#_parent":
		m.mu.RLock()
		inv, ok := m.byChildID[from.SessionId]
		m.mu.RUnlock()
		if !ok {
			return false
		}
		ev.InvokeId = from.SessionId
		inv.owner.Scheduler.ScheduleDelayed(ev, delayMs)
		return true

	case strings.HasPrefix(target, "#_scxml_"):
		sessionId := strings.TrimPrefix(target, "#_scxml_")
		m.mu.RLock()
		dest, ok := m.sessions[sessionId]
		m.mu.RUnlock()
		if !ok {
			return false
		}
		dest.Scheduler.ScheduleDelayed(ev, delayMs)
		return true

	case strings.HasPrefix(target, "#_"):
		invokeId := strings.TrimPrefix(target, "#_")
		m.mu.RLock()
		var dest *interpreter.Session
		for _, inv := range m.byKey {
			if inv.owner.SessionId == from.SessionId && inv.invokeId == invokeId {
				dest = inv.child
				break
			}
		}
		m.mu.RUnlock()
		if dest == nil {
			return false
		}
		dest.Scheduler.ScheduleDelayed(ev, delayMs)
		return true

	default:
		return false
	}
}
