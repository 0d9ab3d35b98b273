// Package qtscxml is the top-level StateMachine facade (spec.md §4.H): the
// single type host applications construct, configure via functional
// options, and drive with events.
//
// Grounded on internal/core/machine.go's functional-options construction
// (WithActionRunner, WithGuardEvaluator, ...), generalized to this
// package's WithDataModel/WithPersister/WithPublisher/WithVisualizer/
// WithTracer/WithRateLimiter/WithEventSource/WithOnLog/WithOnStableState/
// WithOnFinished — the same "nil = default, Option sets a field" pattern
// throughout.
package qtscxml

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hulaishun/qtscxml/internal/datamodel"
	"github.com/hulaishun/qtscxml/internal/extensibility"
	"github.com/hulaishun/qtscxml/internal/interpreter"
	"github.com/hulaishun/qtscxml/internal/invoke"
	"github.com/hulaishun/qtscxml/internal/model"
	"github.com/hulaishun/qtscxml/internal/scheduler"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var sessionCounter atomic.Int64

// nextSessionId mirrors the Qt original's "<prefix><counter>" scheme
// (scxmlstatemachine.cpp's m_sessionIdCounter), with "session-" as the
// default prefix.
func nextSessionId(prefix string) string {
	if prefix == "" {
		prefix = "session-"
	}
	return fmt.Sprintf("%s%d", prefix, sessionCounter.Add(1))
}

// Persister round-trips a SessionSnapshot, e.g. to/from disk or a database.
type Persister interface {
	Save(ctx context.Context, snapshot SessionSnapshot) error
	Load(ctx context.Context, sessionId string) (SessionSnapshot, error)
}

// EventPublisher observes every event the interpreter processes.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event, active []string) error
	Close() error
}

// Visualizer renders the chart and/or its current configuration.
type Visualizer interface {
	ExportDOT(td *model.TableData, active []string) string
}

// SessionSnapshot is the serializable runtime snapshot a Persister stores —
// grounded on internal/core/machine.go's MachineSnapshot, generalized from
// a flat leaf-state list to the full active-state-id set spec.md's
// Configuration requires.
type SessionSnapshot struct {
	SessionId string         `json:"sessionId" yaml:"sessionId"`
	Active    []string       `json:"active" yaml:"active"`
	Data      map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Option configures a StateMachine before Start.
type Option func(*StateMachine)

func WithDataModel(dm datamodel.DataModel) Option {
	return func(m *StateMachine) { m.dataModel = dm }
}

func WithPersister(p Persister) Option {
	return func(m *StateMachine) { m.persister = p }
}

func WithPublisher(p EventPublisher) Option {
	return func(m *StateMachine) { m.publisher = p }
}

func WithVisualizer(v Visualizer) Option {
	return func(m *StateMachine) { m.visualizer = v }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *StateMachine) { m.tracer = t }
}

func WithRateLimiter(l *rate.Limiter) Option {
	return func(m *StateMachine) { m.limiter = l }
}

// WithEventSource feeds external events from src into the machine once
// Start has been called, for the lifetime of ctx — grounded on
// internal/core/machine.Start's "wire EventSource" goroutine.
func WithEventSource(src <-chan model.Event) Option {
	return func(m *StateMachine) { m.eventSource = src }
}

func WithOnLog(fn func(label, text string)) Option {
	return func(m *StateMachine) { m.onLog = fn }
}

func WithOnStableState(fn func(didChange bool)) Option {
	return func(m *StateMachine) { m.onStableState = fn }
}

func WithOnFinished(fn func(doneData any)) Option {
	return func(m *StateMachine) { m.onFinished = fn }
}

// WithSessionIdPrefix overrides the "session-" default used when
// generating this machine's session id.
func WithSessionIdPrefix(prefix string) Option {
	return func(m *StateMachine) { m.sessionIdPrefix = prefix }
}

// WithInvokeFactory registers a Factory for the given <invoke type="...">
// value; at least "scxml" should be registered by a host that uses
// <invoke> at all.
func WithInvokeFactory(invokeType string, f invoke.Factory) Option {
	return func(m *StateMachine) { m.invokeFactories[invokeType] = f }
}

// WithActionLogging wraps the session's dispatcher in a
// extensibility.LoggingDispatcher, logging every raise/send/cancel/log the
// running session performs.
func WithActionLogging() Option {
	return func(m *StateMachine) { m.logActions = true }
}

// StateMachine is one running interpretation of a compiled chart.
type StateMachine struct {
	table *model.TableData

	dataModel datamodel.DataModel
	persister Persister
	publisher EventPublisher
	visualizer Visualizer
	tracer    trace.Tracer
	limiter   *rate.Limiter

	eventSource <-chan model.Event

	onLog         func(label, text string)
	onStableState func(didChange bool)
	onFinished    func(doneData any)

	sessionIdPrefix string
	invokeFactories map[string]invoke.Factory
	logActions      bool

	parent *StateMachine

	session *interpreter.Session
	manager *invoke.Manager
	cancel  context.CancelFunc
}

// SetParentStateMachine links m as a child of parent for #_parent routing,
// for machines the host constructs and starts directly rather than through
// an invoke.Factory (spec.md §4.H's set_parent_state_machine). parent must
// already be started; call before m.Start.
func (m *StateMachine) SetParentStateMachine(parent *StateMachine) {
	m.parent = parent
}

// New compiles nothing on its own (td is assumed already built, e.g. via
// model.Builder or an external parser) and returns a StateMachine ready to
// Start.
func New(td *model.TableData, opts ...Option) *StateMachine {
	m := &StateMachine{
		table:           td,
		invokeFactories: make(map[string]invoke.Factory),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dataModel == nil {
		m.dataModel = datamodel.NewNull()
	}
	if jm, ok := m.dataModel.(*datamodel.JSON); ok {
		jm.SetExprSource(td)
	}
	return m
}

// Start builds the root session, enters the initial configuration, and
// launches the interpreter's own goroutine (spec.md §5's single consumer
// goroutine per session). ctx's cancellation stops the machine.
func (m *StateMachine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	sessionId := nextSessionId(m.sessionIdPrefix)
	m.session = interpreter.New(m.table, m.dataModel, sessionId)
	m.session.Engine.Tracer = m.tracer
	m.session.OnLog = m.onLog
	m.session.OnStableState = func(didChange bool) {
		if m.onStableState != nil {
			m.onStableState(didChange)
		}
		m.publishStable(ctx)
	}
	m.session.OnFinished = m.onFinished
	m.session.Scheduler.Limiter = m.limiter

	if m.logActions {
		m.session.Engine.Dispatcher = extensibility.NewLoggingDispatcher(m.session)
	}

	m.manager = invoke.NewManager()
	for t, f := range m.invokeFactories {
		m.manager.Register(t, f)
	}
	m.manager.Track(m.session)
	if m.parent != nil {
		m.parent.manager.AdoptChild(m.parent.session, m.session)
	}

	m.session.Start(ctx)
	go m.session.Run(ctx)

	if m.eventSource != nil {
		go func() {
			for {
				select {
				case ev, ok := <-m.eventSource:
					if !ok {
						return
					}
					m.SubmitEvent(ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return nil
}

func (m *StateMachine) publishStable(ctx context.Context) {
	if m.publisher == nil {
		return
	}
	active := m.activeNames()
	go func() {
		_ = m.publisher.Publish(ctx, model.Event{Name: "stable"}, active)
	}()
}

// SubmitEvent enqueues an external event for processing at Normal priority.
// Returns false if a configured rate limiter rejected it. See
// SubmitEventPriority to submit a platform event that must precede whatever
// is already queued.
func (m *StateMachine) SubmitEvent(ev model.Event) bool {
	return m.SubmitEventPriority(ev, scheduler.Normal)
}

// SubmitEventPriority implements spec.md §4.E's post_external(ev, priority):
// priority High is delivered ahead of any already-queued Normal external
// event, bypassing the rate limiter, for platform-originated submissions a
// host needs to cut ahead of queued user input.
func (m *StateMachine) SubmitEventPriority(ev model.Event, priority scheduler.Priority) bool {
	if ev.SendId == "" && ev.Type == model.EventExternal {
		ev.SendId = uuid.NewString()
	}
	return m.session.SubmitEventPriority(ev, priority)
}

// CancelDelayed cancels a pending delayed send by id.
func (m *StateMachine) CancelDelayed(sendId string) bool {
	return m.session.Cancel(sendId)
}

func (m *StateMachine) activeNames() []string {
	ids := m.session.ActiveStates()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.table.State(id).Name)
	}
	return out
}

// ActiveStates returns the active configuration's state names. With
// compress=true, only atomic/final leaves are included (the common case
// for display); otherwise every active state, including compound/parallel
// ancestors, is returned.
func (m *StateMachine) ActiveStates(compress bool) []string {
	if !compress {
		return m.activeNames()
	}
	var out []string
	for _, id := range m.session.ActiveStates() {
		t := m.table.State(id).Type
		if t == model.Atomic || t == model.Final {
			out = append(out, m.table.State(id).Name)
		}
	}
	return out
}

func (m *StateMachine) IsActive(stateName string) bool {
	id, ok := m.table.FindStateByName(stateName)
	if !ok {
		return false
	}
	return m.session.IsActive(id)
}

func (m *StateMachine) HasState(stateName string) bool {
	_, ok := m.table.FindStateByName(stateName)
	return ok
}

func (m *StateMachine) Errors() []error {
	return m.session.Errors()
}

func (m *StateMachine) SessionId() string {
	return m.session.SessionId
}

// Name returns the chart's own name — the root state's name, mirroring the
// Qt original's QScxmlStateMachine::name() reading the <scxml name="...">
// attribute (spec.md §4.H).
func (m *StateMachine) Name() string {
	return m.table.State(m.table.Root).Name
}

// Visualize renders the current configuration via the configured
// Visualizer, or an explanatory placeholder if none was configured —
// grounded on core.Machine.Visualize's identical fallback message.
func (m *StateMachine) Visualize() string {
	if m.visualizer == nil {
		return "ERROR: no visualizer configured. Use WithVisualizer(...)"
	}
	return m.visualizer.ExportDOT(m.table, m.activeNames())
}

// Snapshot captures the current configuration and data-model properties
// named in keys for persistence.
func (m *StateMachine) Snapshot(keys []string) SessionSnapshot {
	data := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m.session.DataModel.Property(k); ok {
			data[k] = v.Any()
		}
	}
	return SessionSnapshot{
		SessionId: m.session.SessionId,
		Active:    m.activeNames(),
		Data:      data,
	}
}

// Stop cancels the machine's context, ending its interpreter goroutine.
func (m *StateMachine) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.session.Scheduler.Close()
}
