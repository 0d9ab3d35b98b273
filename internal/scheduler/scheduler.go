// Package scheduler implements spec.md §4.E: the internal/external FIFO
// event queues a Session drains each macrostep, and the delayed-event table
// <send delay="..."> populates, with send-id cancellation.
//
// Grounded on internal/extensibility/eventsource.go's TimerEventSource
// (time.Ticker/time.AfterFunc-driven channel feed) for the delayed-event
// firing mechanism, and on internal/core/machine.go's buffered-channel
// queue for the FIFO behavior, generalized to two explicit queues instead of
// one per spec.md's internal-before-external ordering rule.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hulaishun/qtscxml/internal/model"
	"golang.org/x/time/rate"
)

// Priority distinguishes the two submission priorities spec.md §4.E's
// post_external(ev, priority) names. High behaves as internal: it is
// delivered ahead of whatever is already queued on the external side,
// the same way a platform-raised event cuts ahead of queued user input.
type Priority int

const (
	Normal Priority = iota
	High
)

// delayedItem is one pending <send delay="..."> entry, tracked from
// ScheduleDelayed until it either fires or is cancelled by send-id.
type delayedItem struct {
	ev     model.Event
	fireAt time.Time
	seq    uint64
	timer  *time.Timer
}

// Scheduler owns one session's internal queue, external queue, and
// delayed-event table. Safe for concurrent use: PostExternal is the only
// method meant to be called from outside the owning session's goroutine
// (spec.md §5's single cross-goroutine entry point).
type Scheduler struct {
	mu       sync.Mutex
	internal []model.Event
	external []model.Event
	pending  []*delayedItem
	bySendId map[string]*delayedItem
	seq      uint64
	notify   chan struct{}

	// Limiter optionally throttles PostExternal (spec.md §4.E [DOMAIN]
	// submission throttling). Nil means unthrottled, the default.
	Limiter *rate.Limiter
}

func New() *Scheduler {
	return &Scheduler{
		bySendId: make(map[string]*delayedItem),
		notify:   make(chan struct{}, 1),
	}
}

// PostInternal enqueues ev on the internal queue (spec.md: <raise>, internal
// transitions' own event, done.state.*, error.*).
func (s *Scheduler) PostInternal(ev model.Event) {
	s.mu.Lock()
	s.internal = append(s.internal, ev)
	s.mu.Unlock()
	s.wake()
}

// PostExternal enqueues ev on the external queue at Normal priority — the
// common case for host-submitted events (delay == 0 callers; the Session's
// own plumbing for delay > 0 goes through ScheduleDelayed instead). Returns
// false if a Limiter is set and denies the submission; the event is not
// enqueued in that case. See PostExternalPriority for High-priority
// submissions.
func (s *Scheduler) PostExternal(ev model.Event) bool {
	return s.PostExternalPriority(ev, Normal)
}

// PostExternalPriority implements spec.md §4.E's post_external(ev, priority).
// High priority routes ev onto the internal queue instead, so it is
// delivered before any Normal external event already waiting — for
// platform-originated submissions (e.g. a host relaying an error.* it
// intercepted) that must precede queued user input rather than queue behind
// it. High-priority submissions bypass the Limiter, the same as internal
// events always have.
func (s *Scheduler) PostExternalPriority(ev model.Event, priority Priority) bool {
	if priority == High {
		s.PostInternal(ev)
		return true
	}
	if s.Limiter != nil && !s.Limiter.Allow() {
		return false
	}
	s.mu.Lock()
	s.external = append(s.external, ev)
	s.mu.Unlock()
	s.wake()
	return true
}

// ScheduleDelayed arranges for ev to land on the external queue after
// delayMs, cancellable via Cancel(ev.SendId) until it fires. A zero or
// negative delay posts immediately, bypassing the Limiter — delayed sends
// are the chart's own scheduled traffic, not unthrottled external input.
func (s *Scheduler) ScheduleDelayed(ev model.Event, delayMs int) {
	if delayMs <= 0 {
		s.mu.Lock()
		s.external = append(s.external, ev)
		s.mu.Unlock()
		s.wake()
		return
	}

	s.mu.Lock()
	s.seq++
	item := &delayedItem{ev: ev, fireAt: time.Now().Add(time.Duration(delayMs) * time.Millisecond), seq: s.seq}
	if ev.SendId != "" {
		if old, ok := s.bySendId[ev.SendId]; ok {
			s.removePendingLocked(old)
		}
		s.bySendId[ev.SendId] = item
	}
	s.pending = append(s.pending, item)
	item.timer = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, s.flushDue)
	s.mu.Unlock()
}

// flushDue moves every pending delayed item whose fire time has arrived to
// the external queue, sorted by scheduling sequence rather than by
// timer-goroutine firing order — spec.md §4.E/§5's requirement that delayed
// events due at the same time are still delivered in the order they were
// scheduled. Every ScheduleDelayed call arms its own timer, but any timer
// firing triggers a full sweep, so two timers racing to fire at once still
// resolve their relative order here instead of by whichever goroutine the Go
// runtime happens to run first.
func (s *Scheduler) flushDue() {
	s.mu.Lock()
	now := time.Now()
	var ready, rest []*delayedItem
	for _, it := range s.pending {
		if !it.fireAt.After(now) {
			ready = append(ready, it)
		} else {
			rest = append(rest, it)
		}
	}
	s.pending = rest
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	for _, it := range ready {
		if it.ev.SendId != "" {
			delete(s.bySendId, it.ev.SendId)
		}
		s.external = append(s.external, it.ev)
	}
	s.mu.Unlock()
	if len(ready) > 0 {
		s.wake()
	}
}

// removePendingLocked stops item's timer and drops it from s.pending. Caller
// must hold s.mu.
func (s *Scheduler) removePendingLocked(item *delayedItem) {
	item.timer.Stop()
	for i, it := range s.pending {
		if it == item {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Cancel stops a pending delayed send by send-id, per <cancel>. Returns
// whether one was found (an already-fired or unknown send-id is a no-op,
// per spec.md's edge cases).
func (s *Scheduler) Cancel(sendId string) bool {
	if sendId == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.bySendId[sendId]
	if !ok {
		return false
	}
	delete(s.bySendId, sendId)
	s.removePendingLocked(item)
	return true
}

// PopInternal removes and returns the oldest internal-queue event.
func (s *Scheduler) PopInternal() (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.internal) == 0 {
		return model.Event{}, false
	}
	ev := s.internal[0]
	s.internal = s.internal[1:]
	return ev, true
}

// PopExternal removes and returns the oldest external-queue event.
func (s *Scheduler) PopExternal() (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.external) == 0 {
		return model.Event{}, false
	}
	ev := s.external[0]
	s.external = s.external[1:]
	return ev, true
}

// HasInternal reports whether the internal queue has at least one event.
// The interpreter's microstep loop does not call it; it drains the queue
// with PopInternal.
func (s *Scheduler) HasInternal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.internal) > 0
}

// WaitExternal blocks until the external queue is non-empty or ctx is
// cancelled, then pops and returns the oldest event. Mirrors
// TimerEventSource's select-on-channel-or-stop shape, but over a plain
// slice + wake signal instead of a dedicated channel per event.
func (s *Scheduler) WaitExternal(ctx context.Context) (model.Event, bool) {
	for {
		if ev, ok := s.PopExternal(); ok {
			return ev, true
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return model.Event{}, false
		}
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close stops every pending delayed timer, releasing resources when a
// session terminates.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.pending {
		it.timer.Stop()
	}
	s.pending = nil
	s.bySendId = make(map[string]*delayedItem)
}
