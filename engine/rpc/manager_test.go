package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catManager spawns `cat` as the child: every command written to stdin
// comes straight back on stdout, which makes the full event path
// observable without a real agent binary.
func catManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(context.Background(), ManagerConfig{
		Argv:           []string{"cat"},
		ConnectTimeout: 5 * time.Second,
		IdleTimeout:    time.Minute,
		KillDelay:      time.Second,
	})
	t.Cleanup(func() { _ = m.Dispose() })
	return m
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, pred func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if events := r.snapshot(); pred(events) {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met; events: %v", r.snapshot())
	return nil
}

func hasType(events []Event, eventType string) bool {
	for _, ev := range events {
		if ev.Type() == eventType {
			return true
		}
	}
	return false
}

func TestManager_StartSession(t *testing.T) {
	t.Run("Should echo the handshake commands back as events", func(t *testing.T) {
		m := catManager(t)
		rec := &eventRecorder{}

		id, err := m.StartSession("/tmp/session-a.json")
		require.NoError(t, err)
		unsubscribe, err := m.OnEvent(id, rec.record)
		require.NoError(t, err)
		defer unsubscribe()

		// cat echoes switch_session and get_state; a later command proves
		// the subscription sees everything that follows it.
		require.NoError(t, m.SendCommand(id, Event{"type": "ping"}))
		events := rec.waitFor(t, func(events []Event) bool { return hasType(events, "ping") })
		assert.True(t, hasType(events, "ping"))
	})

	t.Run("Should track sessions by file", func(t *testing.T) {
		m := catManager(t)
		id, err := m.StartSession("/tmp/session-b.json")
		require.NoError(t, err)

		found, ok := m.FindSessionByFile("/tmp/session-b.json")
		require.True(t, ok)
		assert.Equal(t, id, found)
		assert.Contains(t, m.ActiveSessions(), id)

		_, ok = m.FindSessionByFile("/tmp/elsewhere.json")
		assert.False(t, ok)
	})

	t.Run("Should report subscriber presence", func(t *testing.T) {
		m := catManager(t)
		id, err := m.StartSession("/tmp/session-c.json")
		require.NoError(t, err)

		assert.False(t, m.HasSubscribers(id))
		unsubscribe, err := m.OnEvent(id, func(Event) {})
		require.NoError(t, err)
		assert.True(t, m.HasSubscribers(id))
		unsubscribe()
		assert.False(t, m.HasSubscribers(id))
	})
}

func TestManager_SendCommand(t *testing.T) {
	t.Run("Should require a command type", func(t *testing.T) {
		m := catManager(t)
		id, err := m.StartSession("/tmp/session-d.json")
		require.NoError(t, err)
		assert.Error(t, m.SendCommand(id, Event{"data": "no type"}))
	})

	t.Run("Should fail for unknown sessions", func(t *testing.T) {
		m := catManager(t)
		assert.Error(t, m.SendCommand("nope", Event{"type": "ping"}))
	})
}

func TestManager_StopSession(t *testing.T) {
	t.Run("Should emit rpc_session_stopped and drop the record", func(t *testing.T) {
		m := catManager(t)
		rec := &eventRecorder{}
		id, err := m.StartSession("/tmp/session-e.json")
		require.NoError(t, err)
		_, err = m.OnEvent(id, rec.record)
		require.NoError(t, err)

		m.StopSession(id)
		rec.waitFor(t, func(events []Event) bool { return hasType(events, EventSessionStopped) })
		assert.NotContains(t, m.ActiveSessions(), id)
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		m := catManager(t)
		id, err := m.StartSession("/tmp/session-f.json")
		require.NoError(t, err)
		m.StopSession(id)
		m.StopSession(id)
		m.StopSession(id)
	})
}

func TestManager_ParseErrors(t *testing.T) {
	t.Run("Should surface non-JSON stdout lines as parse errors", func(t *testing.T) {
		m := NewManager(context.Background(), ManagerConfig{
			// Emit one garbage line, then echo forever.
			Argv:           []string{"sh", "-c", "echo not-json; exec cat"},
			ConnectTimeout: 5 * time.Second,
		})
		t.Cleanup(func() { _ = m.Dispose() })

		rec := &eventRecorder{}
		id, err := m.StartSession("/tmp/session-g.json")
		require.NoError(t, err)
		_, err = m.OnEvent(id, rec.record)
		require.NoError(t, err)

		events := rec.waitFor(t, func(events []Event) bool { return hasType(events, EventError) })
		for _, ev := range events {
			if ev.Type() == EventError {
				assert.Equal(t, PhaseParse, ev["phase"])
				assert.Equal(t, "not-json", ev["line"])
			}
		}
	})

	t.Run("Should swallow panicking subscribers", func(t *testing.T) {
		m := catManager(t)
		rec := &eventRecorder{}
		id, err := m.StartSession("/tmp/session-h.json")
		require.NoError(t, err)
		_, err = m.OnEvent(id, func(Event) { panic("bad handler") })
		require.NoError(t, err)
		_, err = m.OnEvent(id, rec.record)
		require.NoError(t, err)

		require.NoError(t, m.SendCommand(id, Event{"type": "ping"}))
		rec.waitFor(t, func(events []Event) bool { return hasType(events, "ping") })
	})
}

func TestManager_Crash(t *testing.T) {
	t.Run("Should emit rpc_process_crashed when the child dies on its own", func(t *testing.T) {
		m := NewManager(context.Background(), ManagerConfig{
			Argv:           []string{"sh", "-c", `echo '{"type":"hello"}'; exit 3`},
			ConnectTimeout: 5 * time.Second,
		})
		t.Cleanup(func() { _ = m.Dispose() })

		rec := &eventRecorder{}
		id, err := m.StartSession("/tmp/session-i.json")
		if err != nil {
			// The child can exit before the handshake writes land; the
			// crash event is still observable through a fresh subscriber
			// only when the session record survived. Skip in that case.
			t.Skipf("child exited during handshake: %v", err)
		}
		_, err = m.OnEvent(id, rec.record)
		require.NoError(t, err)

		rec.waitFor(t, func(events []Event) bool { return hasType(events, EventProcessCrashed) })
	})
}

func TestManager_Timers(t *testing.T) {
	t.Run("Should stop an unconnected session on connect timeout", func(t *testing.T) {
		m := NewManager(context.Background(), ManagerConfig{
			// Never writes a line, so the session never connects.
			Argv:           []string{"sleep", "60"},
			ConnectTimeout: 100 * time.Millisecond,
		})
		t.Cleanup(func() { _ = m.Dispose() })

		rec := &eventRecorder{}
		id, err := m.StartSession("/tmp/session-j.json")
		require.NoError(t, err)
		_, err = m.OnEvent(id, rec.record)
		require.NoError(t, err)

		events := rec.waitFor(t, func(events []Event) bool { return hasType(events, EventSessionStopped) })
		assert.True(t, hasType(events, EventError))
	})

	t.Run("Should stop an idle session with rpc_idle_timeout", func(t *testing.T) {
		m := NewManager(context.Background(), ManagerConfig{
			Argv:           []string{"cat"},
			ConnectTimeout: 5 * time.Second,
			IdleTimeout:    150 * time.Millisecond,
		})
		t.Cleanup(func() { _ = m.Dispose() })

		rec := &eventRecorder{}
		id, err := m.StartSession("/tmp/session-k.json")
		require.NoError(t, err)
		_, err = m.OnEvent(id, rec.record)
		require.NoError(t, err)

		events := rec.waitFor(t, func(events []Event) bool { return hasType(events, EventSessionStopped) })
		assert.True(t, hasType(events, EventIdleTimeout))
	})
}

func TestBuildEnv(t *testing.T) {
	t.Run("Should override and unset inherited variables", func(t *testing.T) {
		inherited := []string{"KEEP=1", "REPLACE=old", "DROP=x"}
		out := buildEnv(inherited, map[string]string{"REPLACE": "new", "DROP": "", "ADD": "2"})
		assert.Contains(t, out, "KEEP=1")
		assert.Contains(t, out, "REPLACE=new")
		assert.Contains(t, out, "ADD=2")
		assert.NotContains(t, out, "DROP=x")
		assert.NotContains(t, out, "REPLACE=old")
	})
}
