// Package interpreter implements spec.md §4.F: the macrostep/microstep
// event-processing loop, transition-domain (LCCA) computation, and
// exit/entry set computation.
//
// Grounded on two teacher sources merged: the root statechart.go's
// Runtime.findLCA/exitState/enterState (pointer-tree walk, reverse-
// document-order exit) and internal/core/interpreter.go's
// computeLCCA/getExitStates/getEntryStates (path-string walk). This
// implementation addresses states by model.StateId (int) with parent
// links baked into TableData, because spec.md's parallel-region union
// semantics need more than either teacher version alone provides.
package interpreter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hulaishun/qtscxml/internal/datamodel"
	"github.com/hulaishun/qtscxml/internal/engine"
	"github.com/hulaishun/qtscxml/internal/model"
	"github.com/hulaishun/qtscxml/internal/scheduler"
)

// Invoker lets a Session start/stop child invocations without this package
// importing internal/invoke (which imports interpreter for *Session) —
// the facade wires the two together.
type Invoker interface {
	Invoke(s *Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int)
	Uninvoke(s *Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int)
	// Autoforward delivers ev to the named invocation's child session, for
	// invokes declared with autoforward="true".
	Autoforward(s *Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int, ev model.Event)
	// Finalize runs decl.Finalize against s's data model, with _event bound
	// to ev, when ev was returned by the invocation named (stateId,
	// invokeIndex) (ev.InvokeId matches that invocation's child session) —
	// spec.md §4.G's finalize-on-child-return rule.
	Finalize(s *Session, stateId model.StateId, decl model.InvokeDecl, invokeIndex int, ev model.Event)
}

// Router resolves a <send target="..."> that isn't the session's own queue
// (spec.md §4.G's #_parent/#_scxml_<sessionId>/#_<invokeId> addressing),
// wired in by whatever owns the invoke hierarchy (internal/invoke.Manager).
type Router interface {
	Route(from *Session, target string, ev model.Event, delayMs int) bool
}

// Session is one running SCXML interpretation: the active configuration,
// the data model, the execution engine, and the event scheduler, all scoped
// to a single session id.
type Session struct {
	Table     *model.TableData
	DataModel datamodel.DataModel
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	SessionId string

	Invoker Invoker
	Router  Router

	// OnLog mirrors the <log> instruction's output (spec.md's Log signal);
	// OnStableState fires once per settled macrostep with whether the
	// configuration actually changed; OnFinished fires once, when the top
	// level reaches a final state.
	OnLog         func(label, text string)
	OnStableState func(didChange bool)
	OnFinished    func(doneData any)

	mu       sync.RWMutex
	active   map[model.StateId]bool
	history  map[model.StateId][]model.StateId // recorded configuration per history state id
	finished bool
	errs     []error
}

func New(td *model.TableData, dm datamodel.DataModel, sessionId string) *Session {
	s := &Session{
		Table:     td,
		DataModel: dm,
		SessionId: sessionId,
		active:    make(map[model.StateId]bool),
		history:   make(map[model.StateId][]model.StateId),
	}
	s.Scheduler = scheduler.New()
	s.Engine = engine.New(td, dm, s)
	s.Engine.Dispatcher = s
	return s
}

// --- engine.Dispatcher ---

func (s *Session) Raise(ev model.Event) {
	// model.New defaults Type to EventExternal for a plain <raise>; platform
	// events (error.*, done.*) already carry EventPlatform and keep it.
	if ev.Type == model.EventExternal {
		ev.Type = model.EventInternal
	}
	ev.Origin = "#_internal"
	s.Scheduler.PostInternal(ev)
}

func (s *Session) Send(ev model.Event, target string, delayMs int) {
	if target == "#_internal" {
		s.Raise(ev)
		return
	}
	if target == "" || target == s.SessionId || target == "#_scxml_"+s.SessionId {
		ev.Origin = s.SessionId
		s.Scheduler.ScheduleDelayed(ev, delayMs)
		return
	}
	ev.Origin = s.SessionId
	if s.Router != nil && s.Router.Route(s, target, ev, delayMs) {
		return
	}
	// Unroutable target (spec.md §7 edge case): report, don't silently drop.
	s.raiseCommunicationError(ev.SendId, fmt.Errorf("unreachable send target %q", target))
}

func (s *Session) raiseCommunicationError(sendId string, err error) {
	s.recordError(err)
	s.Raise(model.NewErrorCommunication(sendId, err))
}

func (s *Session) Cancel(sendId string) bool {
	return s.Scheduler.Cancel(sendId)
}

func (s *Session) Log(label, text string) {
	if s.OnLog != nil {
		s.OnLog(label, text)
	}
}

// --- public surface ---

func (s *Session) IsActive(id model.StateId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[id]
}

func (s *Session) ActiveStates() []model.StateId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StateId, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Session) Errors() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]error(nil), s.errs...)
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Start executes the global <scxml> data-initialization container, then
// enters the machine's initial configuration, and runs the interpreter to
// its first stable configuration. Call once, before Run.
func (s *Session) Start(ctx context.Context) {
	if s.Table.InitialSetup != model.NoContainer {
		s.Engine.Execute(ctx, s.Table.InitialSetup)
	}
	entry := s.computeEntrySet(model.NoState, []model.StateId{s.Table.Initial})
	s.enterStates(ctx, entry, model.Event{})
	s.stabilize(ctx)
}

// Run blocks, draining the external queue and running the interpreter loop
// until ctx is cancelled or the top-level final state is reached (spec.md
// §5's single consumer goroutine).
func (s *Session) Run(ctx context.Context) {
	for {
		if s.isFinished() {
			return
		}
		ev, ok := s.Scheduler.WaitExternal(ctx)
		if !ok {
			return
		}
		s.DataModel.SetEvent(ev)
		s.processExternalForInvokes(ev)
		if tr := s.selectTransitions(ev); tr != nil {
			s.microstep(ctx, tr, ev)
		}
		s.stabilize(ctx)
	}
}

// SubmitEvent is the cross-goroutine entry point external callers use to
// feed the session (spec.md §5's only cross-thread call), at Normal
// priority. See SubmitEventPriority for the High-priority path.
func (s *Session) SubmitEvent(ev model.Event) bool {
	return s.Scheduler.PostExternal(ev)
}

// SubmitEventPriority implements spec.md §4.E's post_external(ev, priority):
// a High-priority submission is delivered ahead of whatever Normal external
// events are already queued, the same as any other platform-raised event.
func (s *Session) SubmitEventPriority(ev model.Event, priority scheduler.Priority) bool {
	return s.Scheduler.PostExternalPriority(ev, priority)
}

func (s *Session) isFinished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// stabilize runs the microstep loop (eventless transitions, then internal
// queue) until neither applies, then fires OnStableState.
func (s *Session) stabilize(ctx context.Context) {
	changed := false
	for {
		if s.isFinished() {
			break
		}
		if tr := s.selectEventlessTransitions(); tr != nil {
			s.microstep(ctx, tr, model.Event{})
			changed = true
			continue
		}
		ev, ok := s.Scheduler.PopInternal()
		if !ok {
			break
		}
		s.DataModel.SetEvent(ev)
		if tr := s.selectTransitions(ev); tr != nil {
			s.microstep(ctx, tr, ev)
			changed = true
		}
	}
	if s.OnStableState != nil {
		s.OnStableState(changed)
	}
}

func matchesEvent(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == name {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-1] // keep trailing "."
		return len(name) > len(prefix) && name[:len(prefix)] == prefix
	}
	// Bare dot-hierarchical prefix match (spec.md §6): a descriptor with no
	// trailing ".*" still matches any more specific event under it, so
	// "error" catches "error.execution" and "done.invoke" catches
	// "done.invoke.<id>".
	return strings.HasPrefix(name, pattern+".")
}

func eventMatchesTransition(tr *model.TransitionNode, name string) bool {
	if len(tr.Events) == 0 {
		return false // eventless transitions only selected via selectEventlessTransitions
	}
	for _, p := range tr.Events {
		if matchesEvent(p, name) {
			return true
		}
	}
	return false
}

// sortedAtomicActive returns the currently active atomic/final leaves in
// document order (StateId order, since the builder assigns ids in document
// order).
func (s *Session) sortedAtomicActive() []model.StateId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var leaves []model.StateId
	for id := range s.active {
		node := s.Table.State(id)
		if node.Type == model.Atomic || node.Type == model.Final {
			leaves = append(leaves, id)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i] < leaves[j] })
	return leaves
}

// selectTransitions implements spec.md §4.F step 1/2: walk each active leaf
// up to the root, take the first enabled transition on each chain, then
// drop any whose source has already been exited by an earlier (in document
// order) selection.
func (s *Session) selectTransitions(ev model.Event) []model.TransitionId {
	return s.selectWithPredicate(func(tr *model.TransitionNode) bool {
		return eventMatchesTransition(tr, ev.Name)
	})
}

func (s *Session) selectEventlessTransitions() []model.TransitionId {
	return s.selectWithPredicate(func(tr *model.TransitionNode) bool {
		return len(tr.Events) == 0
	})
}

func (s *Session) selectWithPredicate(matches func(*model.TransitionNode) bool) []model.TransitionId {
	var raw []model.TransitionId
	for _, leaf := range s.sortedAtomicActive() {
		for cur := leaf; cur != model.NoState; cur = s.Table.State(cur).Parent {
			node := s.Table.State(cur)
			selected := model.NoTransition
			for _, tid := range node.Transitions {
				tr := s.Table.Transition(tid)
				if !matches(tr) {
					continue
				}
				if ok, _ := s.DataModel.EvaluateToBool(tr.Cond); ok {
					selected = tid
					break
				}
			}
			if selected != model.NoTransition {
				raw = append(raw, selected)
				break
			}
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return s.dropConflicting(raw)
}

// dropConflicting removes transitions whose source state was already
// exited by an earlier-selected transition's exit set — this is how
// orthogonal parallel regions each keep their own selection while a
// transition higher up the tree preempts ones nested beneath it.
func (s *Session) dropConflicting(raw []model.TransitionId) []model.TransitionId {
	var kept []model.TransitionId
	exited := make(map[model.StateId]bool)
	for _, tid := range raw {
		tr := s.Table.Transition(tid)
		if exited[tr.Source] {
			continue
		}
		for _, st := range s.exitSet(tr) {
			exited[st] = true
		}
		kept = append(kept, tid)
	}
	return kept
}

// properAncestors returns id's ancestors, innermost first, NOT including id
// itself — the strict-ancestor walk the transition-domain algorithm needs
// (distinct from TableData.Ancestors/LCCA, which are self-inclusive
// general-purpose utilities).
func properAncestors(td *model.TableData, id model.StateId) []model.StateId {
	var out []model.StateId
	for cur := td.State(id).Parent; cur != model.NoState; cur = td.State(cur).Parent {
		out = append(out, cur)
	}
	return out
}

// transitionDomain computes the transition's domain per the standard
// algorithm: for an internal transition whose source is compound and whose
// targets are all strict descendants of the source, the domain is the
// source itself (nothing above it is disturbed); otherwise it is the
// nearest proper compound/parallel ancestor shared by the source and every
// target. Because it walks PROPER ancestors, the domain is never the
// source or a target itself except via the internal-transition case above
// — this is what makes exitSet's "strict descendants of domain" rule
// correctly include the source (and, for an ancestor-to-descendant
// external transition, re-exit/re-enter that ancestor) instead of treating
// it as untouched.
func (s *Session) transitionDomain(tr *model.TransitionNode) model.StateId {
	if len(tr.Targets) == 0 {
		return tr.Source
	}
	if tr.Type == model.Internal {
		srcNode := s.Table.State(tr.Source)
		if srcNode.Type == model.Compound || srcNode.Type == model.Parallel {
			allDescendant := true
			for _, t := range tr.Targets {
				if !s.Table.IsAncestor(tr.Source, t) {
					allDescendant = false
					break
				}
			}
			if allDescendant {
				return tr.Source
			}
		}
	}
	all := append([]model.StateId{tr.Source}, tr.Targets...)
	for _, anc := range properAncestors(s.Table, tr.Source) {
		node := s.Table.State(anc)
		if node.Type != model.Compound && node.Type != model.Parallel {
			continue
		}
		ok := true
		for _, st := range all {
			if !s.Table.IsAncestor(anc, st) {
				ok = false
				break
			}
		}
		if ok {
			return anc
		}
	}
	return s.Table.Root
}

// exitSet returns the active states a transition exits: every active state
// that is a strict descendant of the domain. The domain itself is never
// included — for an internal transition that correctly keeps the source
// untouched, and for every other case because transitionDomain never
// returns the source or a target as the domain in the first place.
func (s *Session) exitSet(tr *model.TransitionNode) []model.StateId {
	domain := s.transitionDomain(tr)
	var out []model.StateId
	s.mu.RLock()
	for id := range s.active {
		if s.Table.IsAncestor(domain, id) {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()
	return out
}

// computeEntrySet expands targets into the full ordered set of states to
// enter (outermost first), resolving compound/parallel default-initial
// children, parallel sibling regions, and history pseudostates. domain may
// be model.NoState for the very first (machine-start) entry.
func (s *Session) computeEntrySet(domain model.StateId, targets []model.StateId) []model.StateId {
	seen := make(map[model.StateId]bool)
	var order []model.StateId
	add := func(id model.StateId) {
		if id == model.NoState || seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
	}

	for _, target := range targets {
		var chain []model.StateId
		for cur := target; cur != domain && cur != model.NoState; cur = s.Table.State(cur).Parent {
			chain = append(chain, cur)
		}
		for i := len(chain) - 1; i >= 0; i-- {
			add(chain[i])
		}
		s.expandDefaultEntry(chain, 0, add)
	}

	// Orthogonal regions: any parallel ancestor we just entered must have
	// every child region entered, not only the one on the target's path.
	for _, id := range append([]model.StateId(nil), order...) {
		node := s.Table.State(id)
		if node.Type != model.Parallel {
			continue
		}
		for _, child := range node.Children {
			if seen[child] {
				continue
			}
			add(child)
			s.expandDefaultEntry(nil, 0, add)
			s.expandToLeaf(child, add)
		}
	}
	return order
}

// expandDefaultEntry appends the default-initial descent below the
// innermost state already queued for entry (chain[0], if present).
func (s *Session) expandDefaultEntry(chain []model.StateId, _ int, add func(model.StateId)) {
	if len(chain) == 0 {
		return
	}
	s.expandToLeaf(chain[0], add)
}

// expandToLeaf walks default-initial children from id down to an atomic or
// final state, restoring the recorded history configuration where a
// history pseudostate is the default child, and adding every state it
// passes through.
func (s *Session) expandToLeaf(id model.StateId, add func(model.StateId)) {
	cur := id
	for {
		node := s.Table.State(cur)
		switch node.Type {
		case model.Atomic, model.Final:
			return
		case model.Parallel:
			for _, child := range node.Children {
				add(child)
				s.expandToLeaf(child, add)
			}
			return
		case model.Compound:
			next := node.Initial
			if next == model.NoState && len(node.Children) > 0 {
				next = node.Children[0]
			}
			if next == model.NoState {
				return
			}
			add(next)
			cur = next
		case model.ShallowHistory, model.DeepHistory:
			if recorded, ok := s.history[cur]; ok {
				for _, h := range recorded {
					add(h)
				}
				return
			}
			// unvisited history: fall through its own transition's default
			// target if declared as node.Initial, else first child.
			next := node.Initial
			if next == model.NoState && len(node.Children) > 0 {
				next = node.Children[0]
			}
			if next == model.NoState {
				return
			}
			add(next)
			cur = next
		default:
			return
		}
	}
}

func (s *Session) enterStates(ctx context.Context, order []model.StateId, ev model.Event) {
	for _, id := range order {
		s.mu.Lock()
		s.active[id] = true
		s.mu.Unlock()
		node := s.Table.State(id)
		for _, c := range node.OnEntry {
			if err := s.Engine.Execute(ctx, c); err != nil {
				s.raiseExecutionError(err)
			}
		}
		for i, decl := range node.Invokes {
			if s.Invoker != nil {
				s.Invoker.Invoke(s, id, decl, i)
			}
		}
		if node.Type == model.Final {
			s.onFinalStateEntered(ctx, id)
		}
	}
}

func (s *Session) exitStates(ctx context.Context, tr *model.TransitionNode) []model.StateId {
	set := s.exitSet(tr)
	sort.Slice(set, func(i, j int) bool { return set[i] > set[j] }) // innermost-ish first, reverse document order

	// Snapshot the configuration before any exit in this set runs: history
	// recording needs the active descendants as they stood at the moment of
	// exit, not as progressively thinned out by this same loop (a history
	// state's parent is processed after its children, by which point a
	// live-map read would already have seen them removed).
	s.mu.RLock()
	preExit := make(map[model.StateId]bool, len(s.active))
	for id := range s.active {
		preExit[id] = true
	}
	s.mu.RUnlock()

	for _, id := range set {
		node := s.Table.State(id)
		if node.Type == model.ShallowHistory || node.Type == model.DeepHistory {
			continue
		}
		s.recordHistoryIfAny(id, preExit)
		for i, decl := range node.Invokes {
			if s.Invoker != nil {
				s.Invoker.Uninvoke(s, id, decl, i)
			}
		}
		for _, c := range node.OnExit {
			if err := s.Engine.Execute(ctx, c); err != nil {
				s.raiseExecutionError(err)
			}
		}
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}
	return set
}

// recordHistoryIfAny snapshots id's active descendants, as captured in
// preExit, into any history pseudostate child of id.
func (s *Session) recordHistoryIfAny(id model.StateId, preExit map[model.StateId]bool) {
	node := s.Table.State(id)
	for _, child := range node.Children {
		h := s.Table.State(child)
		if h.Type != model.ShallowHistory && h.Type != model.DeepHistory {
			continue
		}
		var recorded []model.StateId
		for active := range preExit {
			if active == id {
				continue
			}
			if !s.Table.IsAncestor(id, active) {
				continue
			}
			if h.Type == model.ShallowHistory {
				if s.Table.State(active).Parent == id {
					recorded = append(recorded, active)
				}
			} else {
				if s.Table.State(active).Type == model.Atomic || s.Table.State(active).Type == model.Final {
					recorded = append(recorded, active)
				}
			}
		}
		s.mu.Lock()
		s.history[child] = recorded
		s.mu.Unlock()
	}
}

func (s *Session) microstep(ctx context.Context, trs []model.TransitionId, ev model.Event) {
	for _, tid := range trs {
		tr := s.Table.Transition(tid)
		s.exitStates(ctx, tr)
		if tr.Content != model.NoContainer {
			if err := s.Engine.Execute(ctx, tr.Content); err != nil {
				s.raiseExecutionError(err)
			}
		}
		domain := s.transitionDomain(tr)
		entry := s.computeEntrySet(domain, tr.Targets)
		s.enterStates(ctx, entry, ev)
	}
}

func (s *Session) raiseExecutionError(err error) {
	s.recordError(err)
	s.Raise(model.NewErrorExecution("", err))
}

// onFinalStateEntered bubbles done.state.<id> up the ancestor chain per
// spec.md's final-state rule: a compound state is "in final state" once its
// active child is a final, and that bubbles through a parallel ancestor once
// every one of its regions is independently in final state, continuing
// upward until an ancestor isn't done or the root is reached (which ends
// the session). Only the triggering final's own donedata is carried; an
// ancestor further up the chain has none of its own to report.
func (s *Session) onFinalStateEntered(ctx context.Context, finalId model.StateId) {
	node := s.Table.State(finalId)
	doneData := s.Engine.EvaluateDoneData(node.DoneData)
	parent := node.Parent
	for parent != model.NoState {
		if !s.isInFinalState(parent) {
			return
		}
		if parent == s.Table.Root {
			s.mu.Lock()
			s.finished = true
			s.mu.Unlock()
			if s.OnFinished != nil {
				s.OnFinished(doneData)
			}
			return
		}
		s.Raise(model.NewDoneState(s.Table.State(parent).Name, doneData))
		doneData = nil
		parent = s.Table.State(parent).Parent
	}
}

// isInFinalState reports whether id has completed: a final state is done
// once active, a compound state is done once the active one of its children
// is a final, and a parallel state is done once every one of its children
// (regions) is independently done — the standard recursive "is in final
// state" predicate the done.state.* bubbling rule is defined in terms of.
func (s *Session) isInFinalState(id model.StateId) bool {
	node := s.Table.State(id)
	switch node.Type {
	case model.Final:
		return s.IsActive(id)
	case model.Compound:
		for _, c := range node.Children {
			if s.Table.State(c).Type == model.Final && s.IsActive(c) {
				return true
			}
		}
		return false
	case model.Parallel:
		if len(node.Children) == 0 {
			return false
		}
		for _, c := range node.Children {
			if !s.isInFinalState(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// processExternalForInvokes runs each active invocation's finalize (if ev
// was returned by that invocation) and then forwards ev to any autoforward
// invocation, before selecting local transitions — spec.md §4.G's
// finalize-on-child-return and autoforward rules, in that order.
func (s *Session) processExternalForInvokes(ev model.Event) {
	if s.Invoker == nil {
		return
	}
	s.mu.RLock()
	ids := make([]model.StateId, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		node := s.Table.State(id)
		for i, decl := range node.Invokes {
			if decl.Finalize != model.NoContainer {
				s.Invoker.Finalize(s, id, decl, i, ev)
			}
		}
	}
	for _, id := range ids {
		node := s.Table.State(id)
		for i, decl := range node.Invokes {
			if decl.Autoforward {
				s.Invoker.Autoforward(s, id, decl, i, ev)
			}
		}
	}
}
