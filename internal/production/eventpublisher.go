package production

import (
	"context"

	"github.com/hulaishun/qtscxml/internal/model"
)

// PublishedEvent bundles an event with the configuration active when it was
// processed.
type PublishedEvent struct {
	Event  model.Event
	Active []string
}

// ChannelPublisher is a stdlib-only EventPublisher that forwards events to a
// Go channel, dropping on backpressure rather than blocking the interpreter.
// Grounded on the teacher's identically-named ChannelPublisher, retargeted
// from primitives.Event/core.MachineMetadata onto model.Event/[]string.
type ChannelPublisher struct {
	ch chan<- PublishedEvent
}

// NewChannelPublisher creates a ChannelPublisher with the given output channel.
func NewChannelPublisher(ch chan<- PublishedEvent) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

func (p *ChannelPublisher) Publish(ctx context.Context, ev model.Event, active []string) error {
	select {
	case p.ch <- PublishedEvent{Event: ev, Active: active}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (p *ChannelPublisher) Close() error {
	close(p.ch)
	return nil
}
