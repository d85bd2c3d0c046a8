// Package broadcast fans out a session's events to its observers.
//
// Sequence numbers are assigned when an event is published, under the same
// lock that enqueues it, so every observer sees the session's events in
// sequence order. Each observer owns a bounded queue; publishing never
// blocks on a slow observer. An observer whose queue fills up is dropped
// with an overflow notice.
package broadcast

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/protocol"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

// DefaultQueueSize is the per-observer queue capacity used when none is
// configured.
const DefaultQueueSize = 64

// minQueueSize leaves room for one event plus the reserved terminal slot.
const minQueueSize = 2

// Observer is one subscription. Events arrives in sequence order and is
// closed after the terminal event (overflow or session_stopped), or after
// Unsubscribe.
type Observer struct {
	ID string

	ch     chan protocol.Envelope
	closed bool
}

// Events returns the observer's ordered event stream.
func (o *Observer) Events() <-chan protocol.Envelope { return o.ch }

// Stats is a point-in-time view of a broadcaster.
type Stats struct {
	Seq       uint64 `json:"seq"`
	Observers int    `json:"observers"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped_observers"`
}

// Broadcaster distributes one session's events.
type Broadcaster struct {
	sessionID string
	queueSize int
	clock     timeutil.Clock

	mu        sync.Mutex
	seq       uint64
	observers map[string]*Observer
	order     []string
	closed    bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Broadcaster for sessionID.
func New(sessionID string, queueSize int, clock timeutil.Clock) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if queueSize < minQueueSize {
		queueSize = minQueueSize
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Broadcaster{
		sessionID: sessionID,
		queueSize: queueSize,
		clock:     clock,
		observers: make(map[string]*Observer),
	}
}

// Seq returns the sequence number of the latest published event.
func (b *Broadcaster) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Publish assigns the next sequence number to an event and queues it for
// every observer. It returns the finalized envelope. Publishing on a closed
// broadcaster is a no-op that returns a zero envelope.
func (b *Broadcaster) Publish(typ protocol.MessageType, payload any) protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return protocol.Envelope{}
	}

	b.seq++
	env := b.envelope(typ, b.seq, payload)
	b.published.Add(1)

	for _, id := range b.order {
		o := b.observers[id]
		// The last slot is reserved for a terminal event.
		if len(o.ch) >= cap(o.ch)-1 {
			b.overflow(o, env.Seq)
			continue
		}
		o.ch <- env
	}
	b.compact()
	return env
}

// Subscribe registers an observer. Its first event is an initial_state
// snapshot carrying the current sequence number, followed by every event
// published afterwards. The caller must make sure snapshot reflects state
// as of Seq(); the session worker subscribes on its own goroutine for that
// reason.
func (b *Broadcaster) Subscribe(id string, snapshot any) (*Observer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fault.New(fault.InvalidState, "session %s is stopped", b.sessionID)
	}
	if _, exists := b.observers[id]; exists {
		return nil, fault.New(fault.InvalidState, "observer %s already subscribed to session %s", id, b.sessionID)
	}

	o := &Observer{ID: id, ch: make(chan protocol.Envelope, b.queueSize)}
	o.ch <- b.envelope(protocol.TypeInitialState, b.seq, snapshot)
	b.observers[id] = o
	b.order = append(b.order, id)
	log.Printf("[Broadcast] session=%s observer %s subscribed at seq=%d (observers=%d)", b.sessionID, id, b.seq, len(b.observers))
	return o, nil
}

// Unsubscribe removes an observer and closes its stream without a terminal
// event. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.observers[id]
	if !ok {
		return
	}
	b.remove(o)
	b.compact()
}

// Close publishes a terminal session_stopped event to every observer, closes
// their streams and rejects further subscriptions. Close is idempotent.
func (b *Broadcaster) Close(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.seq++
	env := b.envelope(protocol.TypeSessionStopped, b.seq, protocol.StoppedPayload{Reason: reason})
	for _, id := range b.order {
		o := b.observers[id]
		o.ch <- env
		b.remove(o)
	}
	b.order = nil
	log.Printf("[Broadcast] session=%s closed at seq=%d: %s", b.sessionID, b.seq, reason)
}

// Stats returns counters for the admin surface.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Seq:       b.seq,
		Observers: len(b.observers),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}

func (b *Broadcaster) envelope(typ protocol.MessageType, seq uint64, payload any) protocol.Envelope {
	return protocol.Envelope{
		Type:      typ,
		Seq:       seq,
		SessionID: b.sessionID,
		Timestamp: b.clock.Now().UTC(),
		Payload:   payload,
	}
}

// overflow drops an observer that fell behind. The notice names the first
// sequence number it missed. Must be called with mu held.
func (b *Broadcaster) overflow(o *Observer, missed uint64) {
	o.ch <- b.envelope(protocol.TypeOverflow, missed, protocol.OverflowPayload{
		Reason:   "observer queue full",
		Capacity: cap(o.ch),
	})
	b.remove(o)
	dropped := b.dropped.Add(1)
	log.Printf("[Broadcast] session=%s DROPPED observer %s at seq=%d (total dropped: %d)", b.sessionID, o.ID, missed, dropped)
}

func (b *Broadcaster) remove(o *Observer) {
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
	delete(b.observers, o.ID)
}

// compact drops removed ids from the delivery order.
func (b *Broadcaster) compact() {
	kept := b.order[:0]
	for _, id := range b.order {
		if _, ok := b.observers[id]; ok {
			kept = append(kept, id)
		}
	}
	b.order = kept
}
