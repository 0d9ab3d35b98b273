// Package extensibility holds optional decorators and event sources a host
// application can layer onto a session without changing the core engine.
package extensibility

import (
	"log"
	"time"

	"github.com/hulaishun/qtscxml/internal/model"
)

// LoggingDispatcher wraps an engine.Dispatcher and logs every side effect
// before delegating — grounded on the teacher's LoggingActionRunner
// (wrap-and-log around ActionRunner.Run), carried over onto the
// engine.Dispatcher seam this module uses in its place (the teacher's
// ActionRef/GuardRef indirection has no equivalent here; executable content
// is compiled to model.Instruction and walked directly by engine.Engine).
type LoggingDispatcher struct {
	inner interface {
		Raise(ev model.Event)
		Send(ev model.Event, target string, delayMs int)
		Cancel(sendId string) bool
		Log(label, text string)
	}
}

func NewLoggingDispatcher(inner interface {
	Raise(ev model.Event)
	Send(ev model.Event, target string, delayMs int)
	Cancel(sendId string) bool
	Log(label, text string)
}) *LoggingDispatcher {
	return &LoggingDispatcher{inner: inner}
}

func (d *LoggingDispatcher) Raise(ev model.Event) {
	start := time.Now()
	log.Printf("LOG: raising %q", ev.Name)
	d.inner.Raise(ev)
	log.Printf("LOG: raise %q dispatched in %v", ev.Name, time.Since(start))
}

func (d *LoggingDispatcher) Send(ev model.Event, target string, delayMs int) {
	start := time.Now()
	log.Printf("LOG: sending %q to %q (delay %dms)", ev.Name, target, delayMs)
	d.inner.Send(ev, target, delayMs)
	log.Printf("LOG: send %q dispatched in %v", ev.Name, time.Since(start))
}

func (d *LoggingDispatcher) Cancel(sendId string) bool {
	ok := d.inner.Cancel(sendId)
	log.Printf("LOG: cancel %q found=%v", sendId, ok)
	return ok
}

func (d *LoggingDispatcher) Log(label, text string) {
	log.Printf("LOG: %s: %s", label, text)
	d.inner.Log(label, text)
}
