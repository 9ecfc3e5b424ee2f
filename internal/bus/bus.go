// Package bus provides non-blocking fan-out of acquisition events to
// downstream consumers (calibration, recording, rendering, API feeds).
//
// The producer side is the acquisition worker, which must never block on a
// slow consumer: events are delivered to buffered subscriber channels and
// dropped when a channel is full. Consumers that retain a frame beyond the
// delivery must clone it, since the producer may reuse working storage across
// frames.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/BMEG-457/emgstream/pkg/emg"
)

// Kind discriminates event payloads.
type Kind int

const (
	// KindFrame carries one branch output matrix for a decoded frame.
	KindFrame Kind = iota

	// KindStatus carries a human-readable status line.
	KindStatus

	// KindError carries a non-fatal or fatal error description.
	KindError

	// KindCalibration carries a completed calibration result.
	KindCalibration

	// KindContraction carries detected contraction intervals.
	KindContraction
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindCalibration:
		return "calibration"
	case KindContraction:
		return "contraction"
	default:
		return "unknown"
	}
}

// Event is a single published notification.
type Event struct {
	// Time is when the event was published.
	Time time.Time

	// Kind selects which payload fields are set.
	Kind Kind

	// Branch names the pipeline branch for KindFrame events
	// ("raw", "filtered", "rectified", "final").
	Branch string

	// Frame is the branch output for KindFrame events. Retaining consumers
	// must call Frame.Clone.
	Frame *emg.Matrix

	// Text is the message for KindStatus and KindError events.
	Text string

	// Data carries structured payloads for KindCalibration and
	// KindContraction events.
	Data any
}

// ErrSubscriberExists is returned when a subscriber id is already registered.
var ErrSubscriberExists = errors.New("bus: subscriber id already exists")

// ErrSubscriberNotFound is returned when unsubscribing an unknown id.
var ErrSubscriberNotFound = errors.New("bus: subscriber id not found")

type subscriber struct {
	ch      chan<- Event
	sent    uint64
	dropped uint64
}

// Bus fans events out to subscriber channels without ever blocking the
// publisher. All methods are safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers ch under id. The channel should be buffered; a full
// channel causes events to be dropped for that subscriber only.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; ok {
		return ErrSubscriberExists
	}
	b.subs[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes the subscriber registered under id. The channel itself
// is not closed; its owner closes it.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	return nil
}

// Publish delivers ev to every subscriber whose channel has room and drops it
// for the rest. It never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			sub.sent++
		default:
			sub.dropped++
		}
	}
}

// Stats describes per-subscriber delivery counts.
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Stats returns a snapshot of delivery counts keyed by subscriber id.
func (b *Bus) Stats() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Stats, len(b.subs))
	for id, sub := range b.subs {
		out[id] = Stats{Sent: sub.sent, Dropped: sub.dropped}
	}
	return out
}
