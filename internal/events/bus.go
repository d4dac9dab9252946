// Package events is the run-wide progress log. Pipelines publish into an
// append-only log; observers either read snapshots of it or subscribe to a
// live channel.
package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// Kind is the type of an event
type Kind string

const (
	KindRunStarted     Kind = "run_started"
	KindStageEntered   Kind = "stage_entered"
	KindStageCompleted Kind = "stage_completed"
	KindRetry          Kind = "retry"
	KindError          Kind = "error"
	KindOutput         Kind = "output"
	KindRunCompleted   Kind = "run_completed"
)

// Event is written once and never modified
type Event struct {
	Seq     uint64       `json:"seq"`
	Time    time.Time    `json:"time"`
	Repo    string       `json:"repo,omitempty"` // empty for run-level events
	Kind    Kind         `json:"kind"`
	Stage   domain.Stage `json:"stage,omitempty"`
	Payload string       `json:"payload,omitempty"`
}

// DefaultBufferSize is the channel buffer of a subscription
const DefaultBufferSize = 256

// Subscription is a live feed of events published after it was created
type Subscription struct {
	Name    string
	ch      chan Event
	dropped uint64
	closed  bool
	bus     *Bus
}

// Events returns the delivery channel. It is closed on Close or Bus.Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were dropped because the buffer was full
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the channel
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s)
}

// Bus is safe for concurrent use. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	log    []Event
	seq    uint64
	subs   []*Subscription
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates an empty bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, now: time.Now}
}

// Publish appends e to the log and fans it out. Seq and Time are assigned
// here; the stored event is returned.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.log = append(b.log, e)

	// delivery stays inside the lock so every subscriber sees log order
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%100 == 0 {
				b.logger.Warn("event subscriber is falling behind, dropping events",
					"subscriber", s.Name, "dropped", s.dropped)
			}
		}
	}
	return e
}

// Emit is shorthand for publishing a repo event
func (b *Bus) Emit(repo string, kind Kind, stage domain.Stage, payload string) Event {
	return b.Publish(Event{Repo: repo, Kind: kind, Stage: stage, Payload: payload})
}

// Subscribe registers a live subscriber with the given buffer size
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	s := &Subscription{Name: name, ch: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

func (b *Bus) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if i := slices.Index(b.subs, s); i >= 0 {
		b.subs = slices.Delete(b.subs, i, i+1)
	}
}

// Snapshot returns a copy of the full ordered log
func (b *Bus) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.log)
}

// Since returns the events with a sequence number greater than seq
func (b *Bus) Since(seq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, _ := slices.BinarySearchFunc(b.log, seq+1, func(e Event, target uint64) int {
		switch {
		case e.Seq < target:
			return -1
		case e.Seq > target:
			return 1
		}
		return 0
	})
	return slices.Clone(b.log[i:])
}

// Len returns the number of logged events
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// Reset clears the log for a new run. Subscribers stay registered and
// sequence numbers keep increasing so Since cursors remain valid.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = nil
}

// Close closes every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.subs) > 0 {
		b.removeLocked(b.subs[0])
	}
}
