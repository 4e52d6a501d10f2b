// Package session produces and delivers "session opened" events.
//
// Producers (the Metasploit RPC poller and the webhook listener) publish
// eventbus.SessionOpened events; consumers read them through an EventSource.
package session

import (
	"time"

	"sessionsms/internal/eventbus"
)

// Opened announces a newly opened remote session.
type Opened struct {
	ID     string
	Source string
	Info   string
	At     time.Time
}

// EventSource delivers Opened events to a subscriber until the returned
// unsubscribe func is called, which also closes the channel.
type EventSource interface {
	Subscribe(buffer int) (<-chan Opened, func())
}

// BusSource filters SessionOpened events off an event bus.
type BusSource struct {
	bus eventbus.Bus
}

func NewBusSource(bus eventbus.Bus) *BusSource {
	return &BusSource{bus: bus}
}

func (s *BusSource) Subscribe(buffer int) (<-chan Opened, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	in, unsub := s.bus.Subscribe(buffer, eventbus.SessionOpened)
	out := make(chan Opened, buffer)
	go func() {
		defer close(out)
		for ev := range in {
			d, ok := ev.Data.(eventbus.SessionData)
			if !ok || d.ID == "" {
				continue
			}
			// Same backpressure contract as the bus: drop when full.
			select {
			case out <- Opened{ID: d.ID, Source: d.Source, Info: d.Info, At: ev.Time}:
			default:
			}
		}
	}()
	return out, unsub
}

// Publish announces an opened session on the bus.
func Publish(bus eventbus.Bus, o Opened) {
	bus.Publish(eventbus.Event{
		Type: eventbus.SessionOpened,
		Time: o.At,
		Data: eventbus.SessionData{ID: o.ID, Source: o.Source, Info: o.Info},
	})
}
