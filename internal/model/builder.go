package model

import "fmt"

// Builder constructs an immutable TableData without an XML parser —
// grounded on the teacher's internal/primitives/machinebuilder.go and the
// original statechartx.MachineBuilder fluent API, generalized to produce the
// spec's compiled model (opaque ids, evaluator/container indirection)
// instead of a StateConfig tree. Embedding applications that don't front
// this engine with a real SCXML parser use Builder directly; it is also how
// this module's own tests construct charts.
type Builder struct {
	td                 TableData
	byName             map[string]StateId
	strIndex           map[string]StringId
	evalIdx            map[string]EvaluatorId
	err                error
	pendingInitial     []pendingInitialRef
	pendingRootInitial string
}

// NewBuilder starts a new chart. rootName is the id of the single top-level
// state (SCXML requires exactly one top-level <scxml> state); it defaults to
// Compound if never overridden via State/Parallel.
func NewBuilder(rootName string) *Builder {
	b := &Builder{
		byName:   make(map[string]StateId),
		strIndex: make(map[string]StringId),
		evalIdx:  make(map[string]EvaluatorId),
	}
	b.td.InitialSetup = NoContainer
	root := b.state(rootName, Compound)
	b.td.Root = root
	return b
}

// Intern returns the StringId for s, adding it to the pool if new.
func (b *Builder) Intern(s string) StringId {
	if id, ok := b.strIndex[s]; ok {
		return id
	}
	id := StringId(len(b.td.Strings))
	b.td.Strings = append(b.td.Strings, s)
	b.strIndex[s] = id
	return id
}

// Eval returns the EvaluatorId for expression source expr, adding it if new.
// Empty expr yields NoEvaluator (an unconditional transition, or an absent
// cond/expr).
func (b *Builder) Eval(expr string) EvaluatorId {
	if expr == "" {
		return NoEvaluator
	}
	if id, ok := b.evalIdx[expr]; ok {
		return id
	}
	id := EvaluatorId(len(b.td.Evaluators))
	b.td.Evaluators = append(b.td.Evaluators, expr)
	b.evalIdx[expr] = id
	return id
}

// Container registers a new executable-content container and returns its id.
// instrs may be nil/empty (a container with no content, still addressable).
func (b *Builder) Container(instrs ...Instruction) ContainerId {
	id := ContainerId(len(b.td.Instructions))
	b.td.Instructions = append(b.td.Instructions, instrs)
	return id
}

func (b *Builder) state(name string, typ StateType) StateId {
	if id, ok := b.byName[name]; ok {
		return id
	}
	id := StateId(len(b.td.States))
	b.td.States = append(b.td.States, StateNode{
		Id:      id,
		Name:    name,
		Type:    typ,
		Parent:  NoState,
		Initial: NoState,
	})
	b.byName[name] = id
	return id
}

// State declares an atomic state under parent. Parent must already exist
// (declare parents before children, or use Compound/Parallel to declare a
// parent and its initial child together).
func (b *Builder) State(name, parent string) *Builder {
	b.child(name, parent, Atomic)
	return b
}

// Final declares a final state under parent, with optional donedata.
func (b *Builder) Final(name, parent string, doneData *DoneData) *Builder {
	b.child(name, parent, Final)
	b.td.States[b.byName[name]].DoneData = doneData
	return b
}

// Compound declares a compound state under parent with the given initial
// child name (the child is declared separately via State/Compound/Parallel).
func (b *Builder) Compound(name, parent, initial string) *Builder {
	b.child(name, parent, Compound)
	b.setInitial(name, initial)
	return b
}

// Parallel declares a parallel state under parent; all of its children are
// simultaneously active once it is entered (no single "initial" child).
func (b *Builder) Parallel(name, parent string) *Builder {
	b.child(name, parent, Parallel)
	return b
}

// History declares a shallow or deep history pseudostate under parent.
func (b *Builder) History(name, parent string, deep bool) *Builder {
	typ := ShallowHistory
	if deep {
		typ = DeepHistory
	}
	b.child(name, parent, typ)
	return b
}

func (b *Builder) child(name, parent string, typ StateType) StateId {
	id := b.state(name, typ)
	b.td.States[id].Type = typ
	if parent != "" {
		pid, ok := b.byName[parent]
		if !ok {
			b.err = fmt.Errorf("state %q declared before its parent %q", name, parent)
			return id
		}
		b.td.States[id].Parent = pid
		b.td.States[pid].Children = append(b.td.States[pid].Children, id)
	}
	return id
}

func (b *Builder) setInitial(name, initial string) {
	id, ok := b.byName[name]
	if !ok {
		b.err = fmt.Errorf("setInitial: unknown state %q", name)
		return
	}
	b.td.States[id].Initial = StateId(-2) // placeholder resolved in Build (initial child declared later)
	b.pendingInitial = append(b.pendingInitial, pendingInitialRef{state: id, childName: initial})
}

type pendingInitialRef struct {
	state     StateId
	childName string
}

// RootInitial sets the machine-wide initial state (spec.md's "enter the
// initial configuration" at startup).
func (b *Builder) RootInitial(initial string) *Builder {
	b.pendingRootInitial = initial
	return b
}

// OnEntry appends entry-action containers to a state, in document order.
func (b *Builder) OnEntry(name string, containers ...ContainerId) *Builder {
	id := b.mustName(name)
	b.td.States[id].OnEntry = append(b.td.States[id].OnEntry, containers...)
	return b
}

// OnExit appends exit-action containers to a state, in document order.
func (b *Builder) OnExit(name string, containers ...ContainerId) *Builder {
	id := b.mustName(name)
	b.td.States[id].OnExit = append(b.td.States[id].OnExit, containers...)
	return b
}

// Transition adds a transition from source on the given event patterns
// (empty events = eventless/completion transition) to targets, with an
// optional cond expression and content container.
func (b *Builder) Transition(source string, events []string, cond string, targets []string, content ContainerId, typ TransitionType) *Builder {
	sid := b.mustName(source)
	targetIds := make([]StateId, len(targets))
	for i, t := range targets {
		targetIds[i] = b.mustName(t)
	}
	tid := TransitionId(len(b.td.Transitions))
	b.td.Transitions = append(b.td.Transitions, TransitionNode{
		Id:      tid,
		Source:  sid,
		Targets: targetIds,
		Events:  events,
		Cond:    b.Eval(cond),
		Content: content,
		Type:    typ,
	})
	b.td.States[sid].Transitions = append(b.td.States[sid].Transitions, tid)
	return b
}

// Invoke attaches a compiled <invoke> declaration to a state.
func (b *Builder) Invoke(name string, decl InvokeDecl) *Builder {
	id := b.mustName(name)
	b.td.States[id].Invokes = append(b.td.States[id].Invokes, decl)
	return b
}

func (b *Builder) mustName(name string) StateId {
	id, ok := b.byName[name]
	if !ok {
		b.err = fmt.Errorf("reference to undeclared state %q", name)
		return NoState
	}
	return id
}

// Build resolves pending initial-state references (deferred since a
// compound's initial child is frequently declared after the compound
// itself in a natural top-down authoring order), validates the chart, and
// returns the immutable TableData. Validation checks that every compound
// state with children has an initial child, that every transition target
// is a valid state id, and that the machine has an initial state;
// references to undeclared names or parents fail earlier, during
// declaration. Reachability from the root is not checked.
func (b *Builder) Build() (*TableData, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, p := range b.pendingInitial {
		cid, ok := b.byName[p.childName]
		if !ok {
			return nil, fmt.Errorf("initial child %q of %q not declared", p.childName, b.td.States[p.state].Name)
		}
		b.td.States[p.state].Initial = cid
	}
	if b.pendingRootInitial != "" {
		rid, ok := b.byName[b.pendingRootInitial]
		if !ok {
			return nil, fmt.Errorf("root initial %q not declared", b.pendingRootInitial)
		}
		b.td.Initial = rid
	} else if b.td.States[b.td.Root].Initial != NoState {
		b.td.Initial = b.td.States[b.td.Root].Initial
	} else if len(b.td.States[b.td.Root].Children) > 0 {
		b.td.Initial = b.td.States[b.td.Root].Children[0]
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	b.td.buildNameIndex()
	out := b.td
	return &out, nil
}

func (b *Builder) validate() error {
	for _, s := range b.td.States {
		if s.Type == Compound && s.Initial == NoState && len(s.Children) > 0 {
			return fmt.Errorf("compound state %q has children but no initial child set", s.Name)
		}
		for _, tid := range s.Transitions {
			t := b.td.Transition(tid)
			for _, tgt := range t.Targets {
				if int(tgt) < 0 || int(tgt) >= len(b.td.States) {
					return fmt.Errorf("state %q has transition to invalid target", s.Name)
				}
			}
		}
	}
	if b.td.Initial == NoState {
		return fmt.Errorf("machine has no resolvable initial state")
	}
	return nil
}
