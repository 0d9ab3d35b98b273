package qtscxml

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hulaishun/qtscxml/internal/datamodel"
	"github.com/hulaishun/qtscxml/internal/interpreter"
	"github.com/hulaishun/qtscxml/internal/invoke"
	"github.com/hulaishun/qtscxml/internal/model"
	"github.com/hulaishun/qtscxml/internal/scheduler"
)

func runMachine(t *testing.T, m *StateMachine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(cancel)
}

// startWithoutRunLoop starts m and immediately stops its consumer goroutine,
// leaving the session's scheduler free for the test itself to drive
// directly without racing the (now-stopped) Run loop over the same queue.
func startWithoutRunLoop(t *testing.T, m *StateMachine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()
	time.Sleep(10 * time.Millisecond) // let Run observe ctx.Done and return
}

// stableWatcher counts and signals every reachedStableState the machine
// fires, so a test can wait for exactly the macrostep it cares about
// instead of racing the interpreter's own goroutine.
type stableWatcher struct {
	ch    chan struct{}
	count int
}

func newStableWatcher() (*stableWatcher, Option) {
	w := &stableWatcher{ch: make(chan struct{}, 1)}
	return w, WithOnStableState(func(bool) {
		w.count++
		select {
		case w.ch <- struct{}{}:
		default:
		}
	})
}

func (w *stableWatcher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stable state")
	}
}

// TestStateMachine_BasicTransition is S1: a single transition on an
// external event flips the active configuration and fires exactly one
// stable-state callback for that event.
func TestStateMachine_BasicTransition(t *testing.T) {
	b := model.NewBuilder("root")
	b.State("a", "root")
	b.State("b", "root")
	b.Compound("root", "", "a")
	b.Transition("a", []string{"go"}, "", []string{"b"}, model.NoContainer, model.External)
	td, err := b.Build()
	require.NoError(t, err)

	w, opt := newStableWatcher()
	m := New(td, opt)
	runMachine(t, m)
	w.wait(t) // drain the stable fired by Start's own initial-configuration settle

	assert.Equal(t, []string{"a"}, m.ActiveStates(true))
	w.count = 0
	require.True(t, m.SubmitEvent(model.New("go", nil)))
	w.wait(t)

	assert.Equal(t, []string{"b"}, m.ActiveStates(true))
	assert.Equal(t, 1, w.count, "exactly one reachedStableState should fire for the one event")
}

// TestStateMachine_InternalBeforeExternal is S2: an internal event raised
// from onentry drains before an already-pending external event is
// considered.
func TestStateMachine_InternalBeforeExternal(t *testing.T) {
	b := model.NewBuilder("root")
	raiseI := b.Container(model.Instruction{Op: model.OpRaise, EventNameLit: b.Intern("i")})
	b.State("s0", "root")
	b.OnEntry("s0", raiseI)
	b.State("s1", "root")
	b.State("s2", "root")
	b.Compound("root", "", "s0")
	b.Transition("s0", []string{"i"}, "", []string{"s1"}, model.NoContainer, model.External)
	b.Transition("s0", []string{"e"}, "", []string{"s2"}, model.NoContainer, model.External)
	td, err := b.Build()
	require.NoError(t, err)

	w, opt := newStableWatcher()
	m := New(td, opt)
	runMachine(t, m)
	w.wait(t) // Start enters s0, drains the onentry raise of i, settles on s1

	assert.True(t, m.IsActive("s1"))
	require.True(t, m.SubmitEvent(model.New("e", nil)))
	w.wait(t)

	assert.ElementsMatch(t, []string{"s1"}, m.ActiveStates(true),
		"internal event i must be fully drained before the external e is ever considered")
}

// TestStateMachine_DelayedSendCancelled is S3: cancelling a delayed send
// before it fires prevents delivery.
func TestStateMachine_DelayedSendCancelled(t *testing.T) {
	b := model.NewBuilder("root")
	b.State("idle", "root")
	b.Compound("root", "", "idle")
	td, err := b.Build()
	require.NoError(t, err)

	m := New(td)
	startWithoutRunLoop(t, m)

	m.session.Scheduler.ScheduleDelayed(model.New("tick", nil).WithSendId("t1"), 50)
	assert.True(t, m.CancelDelayed("t1"))

	time.Sleep(200 * time.Millisecond)
	_, ok := m.session.Scheduler.PopExternal()
	assert.False(t, ok, "a cancelled delayed send must never be delivered")
}

// TestStateMachine_DelayedSendUncancelledFires is the positive half of the
// same invariant: an uncancelled delayed send does eventually show up.
func TestStateMachine_DelayedSendUncancelledFires(t *testing.T) {
	b := model.NewBuilder("root")
	b.State("idle", "root")
	b.Compound("root", "", "idle")
	td, err := b.Build()
	require.NoError(t, err)

	m := New(td)
	startWithoutRunLoop(t, m)

	m.session.Scheduler.ScheduleDelayed(model.New("tock", nil).WithSendId("t2"), 20)
	time.Sleep(100 * time.Millisecond)
	ev, ok := m.session.Scheduler.PopExternal()
	require.True(t, ok)
	assert.Equal(t, "tock", ev.Name)
}

// TestStateMachine_DoneStateBubble is S4: entering a compound state's final
// child bubbles a done.state.<id> event the parent can react to, all within
// the one macrostep the triggering external event opens.
func TestStateMachine_DoneStateBubble(t *testing.T) {
	b := model.NewBuilder("root")
	b.Compound("P", "root", "p1")
	b.State("p1", "P")
	b.Final("pf", "P", nil)
	b.Transition("p1", []string{"go"}, "", []string{"pf"}, model.NoContainer, model.External)
	b.State("Q", "root")
	b.Transition("P", []string{"done.state.P"}, "", []string{"Q"}, model.NoContainer, model.External)
	b.Compound("root", "", "P")
	td, err := b.Build()
	require.NoError(t, err)

	w, opt := newStableWatcher()
	m := New(td, opt)
	runMachine(t, m)
	w.wait(t) // initial settle into P/p1

	require.True(t, m.SubmitEvent(model.New("go", nil)))
	w.wait(t) // p1->pf, done.state.P raised and drained, P->Q — one macrostep

	assert.True(t, m.IsActive("Q"))
	assert.False(t, m.IsActive("P"))
}

// TestStateMachine_ParallelRegionsFireTogether is S6: both regions' matching
// transitions fire within the single microstep the shared event triggers.
func TestStateMachine_ParallelRegionsFireTogether(t *testing.T) {
	b := model.NewBuilder("root")
	b.Parallel("par", "root")
	b.Compound("r1", "par", "a")
	b.State("a", "r1")
	b.State("a2", "r1")
	b.Transition("a", []string{"go"}, "", []string{"a2"}, model.NoContainer, model.External)
	b.Compound("r2", "par", "b")
	b.State("b", "r2")
	b.State("b2", "r2")
	b.Transition("b", []string{"go"}, "", []string{"b2"}, model.NoContainer, model.External)
	b.Compound("root", "", "par")
	td, err := b.Build()
	require.NoError(t, err)

	w, opt := newStableWatcher()
	m := New(td, opt)
	runMachine(t, m)
	w.wait(t) // initial settle into both regions

	w.count = 0
	require.True(t, m.SubmitEvent(model.New("go", nil)))
	w.wait(t)

	assert.True(t, m.IsActive("a2"))
	assert.True(t, m.IsActive("b2"))
	assert.Equal(t, 1, w.count, "a single go must settle both regions in one macrostep")
}

// TestStateMachine_InvokeAutoforwardRoundTrip is S5: the parent invokes a
// child with autoforward enabled and a <finalize> assigning _event.name; the
// externally submitted event is cloned through to the child, which relays
// the same event straight back over "#_parent". Once that reply reaches the
// parent, finalize must have run with _event bound to it, so last == "ping".
func TestStateMachine_InvokeAutoforwardRoundTrip(t *testing.T) {
	cb := model.NewBuilder("root")
	cb.State("leaf", "root")
	cb.State("replied", "root") // no further "ping" transition, so the echo's own autoforwarded copy is a no-op
	relayBack := cb.Container(model.Instruction{
		Op: model.OpSend,
		Send: model.SendParams{
			EventName:  cb.Intern("ping"),
			EventExpr:  model.NoEvaluator,
			Target:     cb.Intern("#_parent"),
			TargetExpr: model.NoEvaluator,
			DelayExpr:  model.NoEvaluator,
			SendIdExpr: model.NoEvaluator,
			SendIdLoc:  model.NoString,
		},
	})
	cb.Transition("leaf", []string{"ping"}, "", []string{"replied"}, relayBack, model.External)
	cb.Compound("root", "", "leaf")
	childTd, err := cb.Build()
	require.NoError(t, err)

	pb := model.NewBuilder("root")
	pb.State("idle", "root")
	finalize := pb.Container(model.Instruction{Op: model.OpAssign, Location: pb.Intern("last"), Evaluator: pb.Eval("last = _event.name")})
	pb.Invoke("idle", model.InvokeDecl{Type: "scxml", IdLocation: model.NoString, Autoforward: true, Finalize: finalize})
	pb.Compound("root", "", "idle")
	parentTd, err := pb.Build()
	require.NoError(t, err)

	var childSession *interpreter.Session
	w, opt := newStableWatcher()
	m := New(parentTd,
		opt,
		WithDataModel(datamodel.NewJSON()),
		WithInvokeFactory("scxml", invoke.FactoryFunc(func(parent *interpreter.Session, decl model.InvokeDecl, invokeId string, data map[string]any) (*interpreter.Session, error) {
			dm := datamodel.NewJSON()
			dm.SetExprSource(childTd)
			childSession = interpreter.New(childTd, dm, invokeId)
			ctx, cancel := context.WithCancel(context.Background())
			childSession.Start(ctx)
			go childSession.Run(ctx)
			t.Cleanup(cancel)
			return childSession, nil
		})),
	)
	runMachine(t, m)
	w.wait(t) // initial settle into idle; the invoke factory above already ran synchronously
	require.NotNil(t, childSession)

	require.True(t, m.SubmitEvent(model.New("ping", nil)))
	w.wait(t) // parent's own macrostep for ping settles (autoforward only, no local match)
	w.wait(t) // the child's reply round-trips back; finalize runs in the macrostep that processes it

	v, ok := m.session.DataModel.Property("last")
	require.True(t, ok)
	assert.Equal(t, "ping", v.Str, "finalize must bind _event to the event the invocation actually returned")
}

// TestStateMachine_InvokeChildFinalRaisesDoneInvoke is the invariant-8 half
// of invoke lifecycle coverage: a child session reaching its own top-level
// final produces a done.invoke.<childId> on the parent. The
// parent reacts to it with a wildcard transition rather than peeking at the
// scheduler directly, since the live Run goroutine is the only thing
// allowed to drain that queue.
func TestStateMachine_InvokeChildFinalRaisesDoneInvoke(t *testing.T) {
	cb := model.NewBuilder("root")
	cb.State("running", "root")
	cb.Final("done", "root", nil)
	cb.Transition("running", []string{"finish"}, "", []string{"done"}, model.NoContainer, model.External)
	cb.Compound("root", "", "running")
	childTd, err := cb.Build()
	require.NoError(t, err)

	pb := model.NewBuilder("root")
	pb.State("idle", "root")
	pb.Invoke("idle", model.InvokeDecl{Type: "scxml", IdLocation: model.NoString})
	pb.State("caught", "root")
	pb.Transition("idle", []string{"done.invoke.*"}, "", []string{"caught"}, model.NoContainer, model.External)
	pb.Compound("root", "", "idle")
	parentTd, err := pb.Build()
	require.NoError(t, err)

	var childSession *interpreter.Session
	m := New(parentTd, WithInvokeFactory("scxml", invoke.FactoryFunc(func(parent *interpreter.Session, decl model.InvokeDecl, invokeId string, data map[string]any) (*interpreter.Session, error) {
		childSession = interpreter.New(childTd, datamodel.NewNull(), invokeId)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		childSession.Start(ctx)
		go childSession.Run(ctx)
		return childSession, nil
	})))
	runMachine(t, m)
	require.NotNil(t, childSession)

	require.True(t, childSession.SubmitEvent(model.New("finish", nil)))

	require.Eventually(t, func() bool {
		return m.IsActive("caught")
	}, time.Second, 5*time.Millisecond, "parent must observe the done.invoke event for the finished child")
}

// TestStateMachine_RoundTripDeterminism is invariant 6: replaying the same
// event sequence against a fresh session of the same model reaches the same
// final configuration.
func TestStateMachine_RoundTripDeterminism(t *testing.T) {
	build := func() *model.TableData {
		b := model.NewBuilder("root")
		b.State("a", "root")
		b.State("b", "root")
		b.State("c", "root")
		b.Compound("root", "", "a")
		b.Transition("a", []string{"e1"}, "", []string{"b"}, model.NoContainer, model.External)
		b.Transition("b", []string{"e2"}, "", []string{"c"}, model.NoContainer, model.External)
		td, err := b.Build()
		require.NoError(t, err)
		return td
	}
	events := []model.Event{model.New("e1", nil), model.New("e2", nil)}

	run := func() []string {
		w, opt := newStableWatcher()
		m := New(build(), opt)
		runMachine(t, m)
		w.wait(t) // initial settle
		for _, ev := range events {
			require.True(t, m.SubmitEvent(ev))
			w.wait(t)
		}
		return m.ActiveStates(true)
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"c"}, first)
}

// TestStateMachine_EntryExitOrderMatchesDocumentOrder is invariant 5:
// entry order is document order, exit order is its reverse, observed
// through <log> instructions in onentry/onexit.
func TestStateMachine_EntryExitOrderMatchesDocumentOrder(t *testing.T) {
	b := model.NewBuilder("root")
	b.Compound("parent", "root", "child1")
	logEntry1 := b.Container(model.Instruction{Op: model.OpLog, Label: b.Intern("enter"), Expr: b.Eval("label1")})
	b.OnEntry("parent", logEntry1)
	logExit1 := b.Container(model.Instruction{Op: model.OpLog, Label: b.Intern("exit"), Expr: b.Eval("label1")})
	b.OnExit("parent", logExit1)
	b.State("child1", "parent")
	logEntry2 := b.Container(model.Instruction{Op: model.OpLog, Label: b.Intern("enter"), Expr: b.Eval("label2")})
	b.OnEntry("child1", logEntry2)
	logExit2 := b.Container(model.Instruction{Op: model.OpLog, Label: b.Intern("exit"), Expr: b.Eval("label2")})
	b.OnExit("child1", logExit2)
	b.State("away", "root")
	b.Transition("parent", []string{"leave"}, "", []string{"away"}, model.NoContainer, model.External)
	b.Compound("root", "", "parent")
	td, err := b.Build()
	require.NoError(t, err)

	dm := datamodel.NewJSON()
	require.True(t, dm.Setup(map[string]any{"label1": "parent", "label2": "child1"}))

	var order []string
	w, opt := newStableWatcher()
	m := New(td, opt, WithDataModel(dm), WithOnLog(func(label, text string) {
		order = append(order, label+":"+text)
	}))
	runMachine(t, m)
	w.wait(t) // Start's synchronous entry already ran the onentry logs above

	assert.Equal(t, []string{"enter:parent", "enter:child1"}, order)

	order = nil
	require.True(t, m.SubmitEvent(model.New("leave", nil)))
	w.wait(t)

	assert.Equal(t, []string{"exit:child1", "exit:parent"}, order, "exit must run innermost-first, the reverse of entry order")
}

// TestStateMachine_FinishedExactlyOnceAndNoFurtherEvents is invariant 7.
func TestStateMachine_FinishedExactlyOnceAndNoFurtherEvents(t *testing.T) {
	b := model.NewBuilder("root")
	b.State("s1", "root")
	b.Final("done", "root", nil)
	b.Transition("s1", []string{"finish"}, "", []string{"done"}, model.NoContainer, model.External)
	b.Compound("root", "", "s1")
	td, err := b.Build()
	require.NoError(t, err)

	finishedCount := 0
	m := New(td, WithOnFinished(func(any) { finishedCount++ }))
	runMachine(t, m)

	require.True(t, m.SubmitEvent(model.New("finish", nil)))
	require.Eventually(t, func() bool { return finishedCount == 1 }, time.Second, 5*time.Millisecond)

	configAtFinish := m.ActiveStates(true)
	m.SubmitEvent(model.New("finish", nil)) // the session's Run loop has already returned; this must be a no-op
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, finishedCount, "OnFinished must fire exactly once")
	assert.Equal(t, configAtFinish, m.ActiveStates(true))
}

// TestStateMachine_Name covers spec.md §4.H's name(): it reports the
// chart's own root state name, independent of the generated session id.
func TestStateMachine_Name(t *testing.T) {
	b := model.NewBuilder("trafficLight")
	b.State("leaf", "trafficLight")
	b.Compound("trafficLight", "", "leaf")
	td, err := b.Build()
	require.NoError(t, err)

	m := New(td)
	runMachine(t, m)

	assert.Equal(t, "trafficLight", m.Name())
	assert.NotEqual(t, m.Name(), m.SessionId(), "name is the chart's own identity, not the generated session id")
}

// TestStateMachine_SetParentStateMachine covers spec.md §4.H's
// set_parent_state_machine: a child StateMachine constructed and started
// directly, not through WithInvokeFactory, still resolves a #_parent send
// to the designated parent, via invoke.Manager.AdoptChild.
func TestStateMachine_SetParentStateMachine(t *testing.T) {
	pb := model.NewBuilder("parent")
	pb.State("idle", "parent")
	recordLast := pb.Container(model.Instruction{Op: model.OpAssign, Location: pb.Intern("last"), Evaluator: pb.Eval("last = _event.name")})
	pb.Transition("idle", []string{"hello"}, "", []string{"idle"}, recordLast, model.External)
	pb.Compound("parent", "", "idle")
	parentTd, err := pb.Build()
	require.NoError(t, err)

	cb := model.NewBuilder("child")
	cb.State("leaf", "child")
	relay := cb.Container(model.Instruction{
		Op: model.OpSend,
		Send: model.SendParams{
			EventName:  cb.Intern("hello"),
			EventExpr:  model.NoEvaluator,
			Target:     cb.Intern("#_parent"),
			TargetExpr: model.NoEvaluator,
			DelayExpr:  model.NoEvaluator,
			SendIdExpr: model.NoEvaluator,
			SendIdLoc:  model.NoString,
		},
	})
	cb.Transition("leaf", []string{"go"}, "", []string{"leaf"}, relay, model.External)
	cb.Compound("child", "", "leaf")
	childTd, err := cb.Build()
	require.NoError(t, err)

	pw, popt := newStableWatcher()
	parent := New(parentTd, popt, WithDataModel(datamodel.NewJSON()))
	runMachine(t, parent)
	pw.wait(t) // initial settle

	child := New(childTd, WithDataModel(datamodel.NewJSON()))
	child.SetParentStateMachine(parent)
	runMachine(t, child)

	pw.count = 0
	require.True(t, child.SubmitEvent(model.New("go", nil)))
	pw.wait(t)

	v, ok := parent.session.DataModel.Property("last")
	require.True(t, ok)
	assert.Equal(t, "hello", v.Str, "child's #_parent send must reach the designated parent machine")
}

// TestStateMachine_SubmitEventPriority_HighPrecedesQueuedNormal covers
// spec.md §4.E's post_external(ev, priority): a High-priority submission
// made while the session's own Run goroutine hasn't yet drained an earlier
// Normal submission is still processed first.
func TestStateMachine_SubmitEventPriority_HighPrecedesQueuedNormal(t *testing.T) {
	b := model.NewBuilder("root")
	b.State("s0", "root")
	record := b.Container(model.Instruction{Op: model.OpAssign, Location: b.Intern("last"), Evaluator: b.Eval("last = _event.name")})
	b.Transition("s0", []string{"*"}, "", []string{"s0"}, record, model.External)
	b.Compound("root", "", "s0")
	td, err := b.Build()
	require.NoError(t, err)

	w, opt := newStableWatcher()
	m := New(td, opt, WithDataModel(datamodel.NewJSON()))
	startWithoutRunLoop(t, m)
	w.wait(t) // initial settle

	require.True(t, m.SubmitEvent(model.New("normal", nil)))
	require.True(t, m.SubmitEventPriority(model.New("urgent", nil), scheduler.High))

	ev, ok := m.session.Scheduler.PopInternal()
	require.True(t, ok, "a High-priority submission is delivered via the internal queue")
	assert.Equal(t, "urgent", ev.Name)

	ev, ok = m.session.Scheduler.PopExternal()
	require.True(t, ok)
	assert.Equal(t, "normal", ev.Name)
}
