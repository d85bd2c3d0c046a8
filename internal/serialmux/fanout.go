package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
)

// fanout is the subscriber set shared by every mux flavour. Once shut it
// hands out closed channels so late subscribers never block.
type fanout struct {
	mu      sync.Mutex
	chans   map[string]chan string
	shut    bool
	depth   int
	dropped atomic.Uint64
}

func newFanout(depth int) *fanout {
	return &fanout{chans: make(map[string]chan string), depth: depth}
}

// newSubscriberID returns 16 hex characters of randomness.
func newSubscriberID() string {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (f *fanout) add() (string, chan string) {
	id, ch := newSubscriberID(), make(chan string, f.depth)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shut {
		close(ch)
	} else {
		f.chans[id] = ch
	}
	return id, ch
}

func (f *fanout) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch := f.chans[id]; ch != nil {
		delete(f.chans, id)
		close(ch)
	}
}

// publish offers line to every subscriber without waiting on any of them.
func (f *fanout) publish(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.chans {
		select {
		case ch <- line:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shut
}

// close reports whether this call did the shutting.
func (f *fanout) close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shut {
		return false
	}
	f.shut = true
	for id, ch := range f.chans {
		delete(f.chans, id)
		close(ch)
	}
	return true
}

func (f *fanout) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chans)
}
