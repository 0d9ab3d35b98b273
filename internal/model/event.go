package model

// EventType classifies where an event came from, mirroring the SCXML
// processor's three event origins.
type EventType string

const (
	EventPlatform EventType = "platform"
	EventInternal EventType = "internal"
	EventExternal EventType = "external"
)

// Event is the immutable value type carried through the scheduler and
// interpreter. Grounded on primitives.Event (Type, Data) from the teacher,
// extended with the fields spec.md requires for send-id cancellation, origin
// routing, and invoke reporting.
type Event struct {
	Name       string
	Type       EventType
	SendId     string // optional; "" means unset
	Origin     string // optional; "" means unset
	OriginType string // optional; "" means unset
	InvokeId   string // optional; "" means this event didn't originate from a child invocation
	DelayMs    int
	Data       any
	Ignorable  bool
}

// New creates an external Event with no delay and no send-id — the common
// case for a caller submitting a named event with a payload.
func New(name string, data any) Event {
	return Event{Name: name, Type: EventExternal, Data: data}
}

// WithSendId returns a copy of e with SendId set. Events are value types;
// callers must not mutate a shared Event in place.
func (e Event) WithSendId(id string) Event {
	e.SendId = id
	return e
}

// Clone returns a value copy suitable for auto-forwarding to an invoked
// child: same name/type/data, but the send-id and invoke-id are stripped
// since they are scoped to the originating session.
func (e Event) Clone() Event {
	clone := e
	clone.SendId = ""
	clone.InvokeId = ""
	return clone
}
