package extensibility

import (
	"time"

	"github.com/hulaishun/qtscxml/internal/model"
)

// ChannelEventSource is a <-chan model.Event-backed feed, the shape
// qtscxml.WithEventSource expects — grounded on the teacher's
// ChannelEventSource (a primitives.Event channel), retyped onto model.Event.
type ChannelEventSource struct {
	ch chan model.Event
}

// NewChannelEventSource creates a new ChannelEventSource with the given
// channel. The channel should be buffered if backpressure handling is
// needed.
func NewChannelEventSource(ch chan model.Event) *ChannelEventSource {
	return &ChannelEventSource{ch: ch}
}

// Events returns the receive-only channel for events.
func (s *ChannelEventSource) Events() <-chan model.Event {
	return s.ch
}

// TimerEventSource emits a named event every d, for heartbeat/timeout
// charts — grounded on the teacher's TimerEventSource
// (time.Ticker-driven channel feed).
type TimerEventSource struct {
	ch     chan model.Event
	name   string
	data   any
	ticker *time.Ticker
	stop   chan struct{}
}

// NewTimerEventSource creates a TimerEventSource that emits events every d.
func NewTimerEventSource(name string, data any, d time.Duration) *TimerEventSource {
	t := &TimerEventSource{
		ch:     make(chan model.Event, 10),
		name:   name,
		data:   data,
		ticker: time.NewTicker(d),
		stop:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *TimerEventSource) run() {
	for {
		select {
		case <-t.ticker.C:
			select {
			case t.ch <- model.New(t.name, t.data):
			default:
				// drop if full
			}
		case <-t.stop:
			t.ticker.Stop()
			close(t.ch)
			return
		}
	}
}

// Events returns the event channel.
func (t *TimerEventSource) Events() <-chan model.Event {
	return t.ch
}

// Stop stops the ticker and closes the channel.
func (t *TimerEventSource) Stop() {
	close(t.stop)
}
