package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/protocol"
	"github.com/banshee-data/vrutest/internal/timeutil"
)

func newTestBroadcaster(queue int) *Broadcaster {
	return New("session-1", queue, timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
}

func drain(o *Observer) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env, ok := <-o.Events():
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestSubscribe_InitialStateCarriesCurrentSeq(t *testing.T) {
	b := newTestBroadcaster(8)
	b.Publish(protocol.TypeProgressUpdate, 1)
	b.Publish(protocol.TypeProgressUpdate, 2)

	o, err := b.Subscribe("obs", "snapshot")
	require.NoError(t, err)
	b.Publish(protocol.TypeProgressUpdate, 3)

	got := drain(o)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.TypeInitialState, got[0].Type)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, "snapshot", got[0].Payload)
	assert.Equal(t, uint64(3), got[1].Seq)
	assert.Equal(t, "session-1", got[1].SessionID)
}

func TestPublish_SameOrderForAllObservers(t *testing.T) {
	b := newTestBroadcaster(64)
	a, _ := b.Subscribe("a", nil)
	c, _ := b.Subscribe("c", nil)

	for i := 0; i < 20; i++ {
		b.Publish(protocol.TypeDetectionEvent, i)
	}

	ea, ec := drain(a), drain(c)
	require.Len(t, ea, 21)
	assert.Equal(t, ea, ec)
	for i := 1; i < len(ea); i++ {
		assert.Equal(t, ea[i-1].Seq+1, ea[i].Seq, "gap at %d", i)
	}
}

func TestPublish_ConcurrentProducersKeepSeqTotal(t *testing.T) {
	b := newTestBroadcaster(1024)
	o, _ := b.Subscribe("o", nil)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(protocol.TypeProgressUpdate, i)
			}
		}()
	}
	wg.Wait()

	events := drain(o)
	require.Len(t, events, 401)
	for i, env := range events {
		assert.Equal(t, uint64(i), env.Seq)
	}
}

func TestPublish_SlowObserverDroppedWithOverflow(t *testing.T) {
	b := newTestBroadcaster(4)
	slow, _ := b.Subscribe("slow", nil)
	fast, _ := b.Subscribe("fast", nil)

	var fastSeen []protocol.Envelope
	for i := 0; i < 10; i++ {
		b.Publish(protocol.TypeProgressUpdate, i)
		fastSeen = append(fastSeen, drain(fast)...)
	}

	// initial + 2 events fill the non-reserved slots, then overflow.
	got := drain(slow)
	require.Len(t, got, 4)
	assert.Equal(t, protocol.TypeInitialState, got[0].Type)
	assert.Equal(t, protocol.TypeOverflow, got[3].Type)
	assert.Equal(t, uint64(3), got[3].Seq)
	_, open := <-slow.Events()
	assert.False(t, open, "dropped observer stream must be closed")

	require.Len(t, fastSeen, 11)
	assert.Equal(t, uint64(10), fastSeen[10].Seq)

	st := b.Stats()
	assert.Equal(t, 1, st.Observers)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestClose_SendsSessionStoppedAndRejectsSubscribers(t *testing.T) {
	b := newTestBroadcaster(3)
	o, _ := b.Subscribe("o", nil)
	b.Publish(protocol.TypeProgressUpdate, 1)

	b.Close("stopped by user")
	b.Close("again")

	got := drain(o)
	require.Len(t, got, 3)
	last := got[2]
	assert.Equal(t, protocol.TypeSessionStopped, last.Type)
	assert.Equal(t, uint64(2), last.Seq)
	assert.Equal(t, protocol.StoppedPayload{Reason: "stopped by user"}, last.Payload)

	_, err := b.Subscribe("late", nil)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
	assert.Equal(t, protocol.Envelope{}, b.Publish(protocol.TypeProgressUpdate, 2))
}

func TestSubscribe_DuplicateIDRejected(t *testing.T) {
	b := newTestBroadcaster(8)
	_, err := b.Subscribe("dup", nil)
	require.NoError(t, err)
	_, err = b.Subscribe("dup", nil)
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBroadcaster(8)
	keep, _ := b.Subscribe("keep", nil)
	gone, _ := b.Subscribe("gone", nil)
	b.Unsubscribe("gone")
	b.Unsubscribe("never-there")
	b.Publish(protocol.TypeProgressUpdate, 1)

	assert.Len(t, drain(gone), 1)
	assert.Len(t, drain(keep), 2)

	_, err := b.Subscribe("gone", nil)
	assert.NoError(t, err, "id can be reused after unsubscribe")
}

func TestNew_QueueSizeFloor(t *testing.T) {
	for _, size := range []int{-1, 0, 1, 2, 5} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			b := New("s", size, nil)
			assert.GreaterOrEqual(t, b.queueSize, minQueueSize)
		})
	}
}
