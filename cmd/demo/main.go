// Command demo runs a traffic-light chart to completion against a real
// persister, publisher, visualizer, timer-driven event source, and action
// logging — the same shape as the teacher's cmd/demo, rebuilt against the
// qtscxml facade instead of core.Machine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	qtscxml "github.com/hulaishun/qtscxml"
	"github.com/hulaishun/qtscxml/internal/extensibility"
	"github.com/hulaishun/qtscxml/internal/model"
	"github.com/hulaishun/qtscxml/internal/production"
)

func buildTrafficLight() (*model.TableData, error) {
	b := model.NewBuilder("trafficLight")
	b.State("red", "trafficLight")
	b.State("green", "trafficLight")
	b.State("yellow", "trafficLight")
	b.Compound("trafficLight", "", "red")

	b.Transition("red", []string{"TIMER"}, "", []string{"green"}, model.NoContainer, model.External)
	b.Transition("green", []string{"TIMER"}, "", []string{"yellow"}, model.NoContainer, model.External)
	b.Transition("yellow", []string{"TIMER"}, "", []string{"red"}, model.NoContainer, model.External)

	return b.Build()
}

func main() {
	td, err := buildTrafficLight()
	if err != nil {
		panic(err)
	}

	persister, err := production.NewJSONPersister("/tmp")
	if err != nil {
		panic(err)
	}

	publishCh := make(chan production.PublishedEvent, 100)
	publisher := production.NewChannelPublisher(publishCh)
	visualizer := &production.DefaultVisualizer{}

	timer := extensibility.NewTimerEventSource("TIMER", nil, 2*time.Second)
	defer timer.Stop()

	m := qtscxml.New(td,
		qtscxml.WithPersister(persister),
		qtscxml.WithPublisher(publisher),
		qtscxml.WithVisualizer(visualizer),
		qtscxml.WithEventSource(timer.Events()),
		qtscxml.WithActionLogging(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		panic(err)
	}
	defer m.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	cycles := 0
	for {
		select {
		case <-time.After(2 * time.Second):
			cycles++
			fmt.Printf("\n--- Cycle %d ---\n", cycles)
			fmt.Println("Current states:", m.ActiveStates(true))
			fmt.Println("DOT:\n" + m.Visualize())
			if err := persister.Save(ctx, m.Snapshot(nil)); err != nil {
				fmt.Printf("Save error: %v\n", err)
			}
			select {
			case pub := <-publishCh:
				fmt.Printf("Published: %s (active=%v)\n", pub.Event.Name, pub.Active)
			default:
			}
			if cycles >= 12 {
				fmt.Println("Demo complete after 12 cycles.")
				return
			}
		case <-sig:
			fmt.Println("\nShutting down gracefully...")
			return
		}
	}
}
