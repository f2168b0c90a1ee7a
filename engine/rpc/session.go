package rpc

import (
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Session is the record of one live child process. All mutable state is
// guarded by mu; writes to the child's stdin are serialized by writeMu so
// a JSON line is never interleaved with another.
type Session struct {
	ID   string
	File string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu           sync.Mutex
	subscribers  map[int]func(Event)
	nextSubID    int
	connected    bool
	stopping     bool
	closed       bool
	startedAt    time.Time
	lastActivity time.Time

	connectTimer *time.Timer
	idleTimer    *time.Timer
	killTimer    *time.Timer

	writeMu sync.Mutex
	done    chan struct{}
}

// subscribe registers handler and returns an unsubscribe func.
func (s *Session) subscribe(handler func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// emit delivers ev to every subscriber in registration order. Handler
// panics are swallowed so a broken subscriber cannot take down the
// manager. Nothing is delivered after the session closed, except the
// final lifecycle event emitted by the closer itself.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	handlers := make([]func(Event), 0, len(s.subscribers))
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, s.subscribers[id])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}

func (s *Session) markConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return false
	}
	s.connected = true
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	return true
}

func (s *Session) touch(now time.Time, idleTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.idleTimer != nil {
		s.idleTimer.Reset(idleTimeout)
	}
}

// stopTimers cancels every pending timer eagerly so none fires after the
// session is gone.
func (s *Session) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []*time.Timer{s.connectTimer, s.idleTimer, s.killTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.connectTimer = nil
	s.idleTimer = nil
	s.killTimer = nil
}
