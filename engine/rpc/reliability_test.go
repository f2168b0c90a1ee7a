package rpc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReliability(cfg ReliabilityConfig) *Reliability {
	return NewReliability(cfg, nil, nil)
}

func TestReliability_RecordEvent(t *testing.T) {
	t.Run("Should assign strictly monotonic sequences starting at one", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{})
		for i := int64(1); i <= 5; i++ {
			be := r.RecordEvent("s1", Event{"type": "tick"})
			assert.Equal(t, i, be.Seq)
		}
	})

	t.Run("Should keep sessions independent", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{})
		assert.Equal(t, int64(1), r.RecordEvent("a", Event{"type": "x"}).Seq)
		assert.Equal(t, int64(1), r.RecordEvent("b", Event{"type": "x"}).Seq)
		assert.Equal(t, int64(2), r.RecordEvent("a", Event{"type": "x"}).Seq)
	})

	t.Run("Should evict the oldest events past the buffer cap", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{BufferSize: 3})
		for i := 0; i < 5; i++ {
			r.RecordEvent("s1", Event{"type": "tick"})
		}
		events, gap := r.GetReplay("s1", 0)
		assert.True(t, gap)
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Seq)
		assert.Equal(t, int64(5), events[2].Seq)
	})
}

func TestReliability_GetReplay(t *testing.T) {
	t.Run("Should return empty without gap for an empty buffer", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{})
		events, gap := r.GetReplay("s1", 0)
		assert.Empty(t, events)
		assert.False(t, gap)
	})

	t.Run("Should replay the in-window tail without a gap", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{BufferSize: 800})
		for i := 1; i <= 10; i++ {
			r.RecordEvent("s1", Event{"type": "tick", "n": i})
		}
		events, gap := r.GetReplay("s1", 4)
		assert.False(t, gap)
		require.Len(t, events, 6)
		for i, be := range events {
			assert.Equal(t, int64(5+i), be.Seq)
		}
	})

	t.Run("Should flag a gap when the window has been evicted", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{BufferSize: 800})
		for i := 1; i <= 1000; i++ {
			r.RecordEvent("s1", Event{"type": "tick"})
		}
		events, gap := r.GetReplay("s1", 50)
		assert.True(t, gap)
		require.Len(t, events, 800)
		assert.Equal(t, int64(201), events[0].Seq)
		assert.Equal(t, int64(1000), events[799].Seq)
	})

	t.Run("Should accept lastSeenSeq exactly one before the oldest", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{BufferSize: 3})
		for i := 1; i <= 5; i++ {
			r.RecordEvent("s1", Event{"type": "tick"})
		}
		// Oldest buffered is 3; a client that saw 2 needs no gap.
		events, gap := r.GetReplay("s1", 2)
		assert.False(t, gap)
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Seq)
	})
}

func TestReliability_RegisterCommand(t *testing.T) {
	t.Run("Should leave empty command ids unmanaged", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{})
		assert.False(t, r.RegisterCommand("s1", "").Duplicate)
		assert.False(t, r.RegisterCommand("s1", "").Duplicate)
	})

	t.Run("Should accept a new id and flag its repeat", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{})
		assert.False(t, r.RegisterCommand("s1", "cmd-1").Duplicate)
		dup := r.RegisterCommand("s1", "cmd-1")
		assert.True(t, dup.Duplicate)
		assert.Nil(t, dup.CachedResponse, "no response recorded yet")
	})

	t.Run("Should hand back the cached response with its seq", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{})
		require.False(t, r.RegisterCommand("s1", "cmd-1").Duplicate)
		for i := 0; i < 36; i++ {
			r.RecordEvent("s1", Event{"type": "tick"})
		}
		response := Event{"type": "response", "id": "cmd-1", "result": "done"}
		be := r.RecordEvent("s1", response)
		require.Equal(t, int64(37), be.Seq)

		dup := r.RegisterCommand("s1", "cmd-1")
		require.True(t, dup.Duplicate)
		assert.Equal(t, response, dup.CachedResponse)
		assert.Equal(t, int64(37), dup.CachedResponseSeq)
	})

	t.Run("Should prune seen and cached state past the retention window", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{CommandRetention: time.Minute})
		current := time.Unix(1000, 0)
		r.now = func() time.Time { return current }

		require.False(t, r.RegisterCommand("s1", "cmd-1").Duplicate)
		r.RecordEvent("s1", Event{"type": "response", "id": "cmd-1"})

		current = current.Add(2 * time.Minute)
		result := r.RegisterCommand("s1", "cmd-1")
		assert.False(t, result.Duplicate, "expired ids register as new")
	})
}

func TestReliability_Orphan(t *testing.T) {
	t.Run("Should abort then stop an unclaimed session", func(t *testing.T) {
		var mu sync.Mutex
		var calls []string
		done := make(chan struct{})
		r := NewReliability(ReliabilityConfig{
			OrphanGrace:      20 * time.Millisecond,
			OrphanAbortDelay: 20 * time.Millisecond,
		}, func(id string) {
			mu.Lock()
			calls = append(calls, "abort:"+id)
			mu.Unlock()
		}, func(id string) {
			mu.Lock()
			calls = append(calls, "stop:"+id)
			mu.Unlock()
			close(done)
		})

		r.RecordEvent("s1", Event{"type": "tick"})
		r.ScheduleOrphan("s1")

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("orphan sequence never completed")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"abort:s1", "stop:s1"}, calls)

		// State was dropped with the stop.
		events, gap := r.GetReplay("s1", 0)
		assert.Empty(t, events)
		assert.False(t, gap)
	})

	t.Run("Should cancel the countdown on resubscription", func(t *testing.T) {
		var mu sync.Mutex
		aborted := false
		r := NewReliability(ReliabilityConfig{
			OrphanGrace:      30 * time.Millisecond,
			OrphanAbortDelay: 10 * time.Millisecond,
		}, func(string) {
			mu.Lock()
			aborted = true
			mu.Unlock()
		}, nil)

		r.ScheduleOrphan("s1")
		r.CancelOrphan("s1")
		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.False(t, aborted)
	})
}

func TestReliability_Concurrency(t *testing.T) {
	t.Run("Should survive concurrent recording and replay", func(t *testing.T) {
		r := newTestReliability(ReliabilityConfig{BufferSize: 64})
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					r.RecordEvent("s1", Event{"type": "tick", "w": fmt.Sprintf("%d", w)})
					r.GetReplay("s1", int64(i))
				}
			}(w)
		}
		wg.Wait()
		events, _ := r.GetReplay("s1", 0)
		require.Len(t, events, 64)
		for i := 1; i < len(events); i++ {
			assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
		}
	})
}
