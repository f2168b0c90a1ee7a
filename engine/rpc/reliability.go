package rpc

import (
	"sync"
	"time"
)

const (
	defaultBufferSize       = 800
	defaultCommandRetention = 5 * time.Minute
	defaultOrphanGrace      = 60 * time.Second
	defaultOrphanAbortDelay = 5 * time.Second
)

// ReliabilityConfig configures the reconnect-safety layer.
type ReliabilityConfig struct {
	// BufferSize caps the per-session event ring. Default 800.
	BufferSize int
	// CommandRetention is how long seen commands and cached responses are
	// kept for dedup. Default 5 minutes.
	CommandRetention time.Duration
	// OrphanGrace is how long a session may sit without subscribers before
	// its current turn is aborted. Default 60s.
	OrphanGrace time.Duration
	// OrphanAbortDelay is the further wait between abort and stop.
	// Default 5s.
	OrphanAbortDelay time.Duration
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.CommandRetention <= 0 {
		c.CommandRetention = defaultCommandRetention
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = defaultOrphanGrace
	}
	if c.OrphanAbortDelay <= 0 {
		c.OrphanAbortDelay = defaultOrphanAbortDelay
	}
	return c
}

// BufferedEvent is one event with its per-session sequence number.
type BufferedEvent struct {
	Seq       int64     `json:"seq"`
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterResult is the outcome of command registration.
type RegisterResult struct {
	Duplicate bool
	// CachedResponse is set when the command already completed; the caller
	// re-emits it to the reconnecting client instead of re-running the
	// command.
	CachedResponse Event
	// CachedResponseSeq is the sequence the cached response was emitted at.
	CachedResponseSeq int64
}

type cachedResponse struct {
	response Event
	seq      int64
}

type relState struct {
	nextSeq int64
	buffer  []BufferedEvent
	seen    map[string]time.Time
	cached  map[string]cachedResponse

	orphanTimer *time.Timer
	abortTimer  *time.Timer
}

// Reliability wraps sessions with monotonic event sequences, replay,
// command dedup, and orphan timers. It is pure state plus cooperative
// timers; callers plug in abort/stop behavior.
type Reliability struct {
	mu       sync.Mutex
	cfg      ReliabilityConfig
	sessions map[string]*relState

	onAbort func(sessionID string)
	onStop  func(sessionID string)
	now     func() time.Time
}

// NewReliability creates the layer. onAbort runs after the orphan grace
// expires with no subscribers; onStop runs after the further abort delay.
func NewReliability(cfg ReliabilityConfig, onAbort, onStop func(sessionID string)) *Reliability {
	return &Reliability{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*relState),
		onAbort:  onAbort,
		onStop:   onStop,
		now:      time.Now,
	}
}

func (r *Reliability) state(sessionID string) *relState {
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &relState{
			nextSeq: 1,
			seen:    make(map[string]time.Time),
			cached:  make(map[string]cachedResponse),
		}
		r.sessions[sessionID] = st
	}
	return st
}

// RecordEvent assigns the next sequence number to ev, buffers it, and
// indexes it by command id when it is a response. Returns the buffered
// form so callers can forward seq-stamped events to clients.
func (r *Reliability) RecordEvent(sessionID string, ev Event) BufferedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	st := r.state(sessionID)
	st.prune(now, r.cfg.CommandRetention)

	buffered := BufferedEvent{Seq: st.nextSeq, Event: ev, Timestamp: now}
	st.nextSeq++
	st.buffer = append(st.buffer, buffered)
	if len(st.buffer) > r.cfg.BufferSize {
		st.buffer = st.buffer[len(st.buffer)-r.cfg.BufferSize:]
	}

	if ev.IsResponse() {
		id := ev.CommandID()
		st.cached[id] = cachedResponse{response: ev, seq: buffered.Seq}
		if _, ok := st.seen[id]; !ok {
			st.seen[id] = now
		}
	}
	return buffered
}

// GetReplay returns the events a client with lastSeenSeq has missed. When
// the ring already evicted part of that range, the full current buffer is
// returned with gap=true and the client must resync its state.
func (r *Reliability) GetReplay(sessionID string, lastSeenSeq int64) ([]BufferedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok || len(st.buffer) == 0 {
		return nil, false
	}
	oldest := st.buffer[0].Seq
	if lastSeenSeq < oldest-1 {
		out := make([]BufferedEvent, len(st.buffer))
		copy(out, st.buffer)
		return out, true
	}
	var out []BufferedEvent
	for _, be := range st.buffer {
		if be.Seq > lastSeenSeq {
			out = append(out, be)
		}
	}
	return out, false
}

// RegisterCommand dedups a client command id. Empty ids are unmanaged.
// A cached response marks the command as already completed; a seen-but-
// uncached id means the command is still in flight and must not be
// re-sent.
func (r *Reliability) RegisterCommand(sessionID, commandID string) RegisterResult {
	if commandID == "" {
		return RegisterResult{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	st := r.state(sessionID)
	st.prune(now, r.cfg.CommandRetention)

	if cached, ok := st.cached[commandID]; ok {
		return RegisterResult{
			Duplicate:         true,
			CachedResponse:    cached.response,
			CachedResponseSeq: cached.seq,
		}
	}
	if _, ok := st.seen[commandID]; ok {
		return RegisterResult{Duplicate: true}
	}
	st.seen[commandID] = now
	return RegisterResult{}
}

func (st *relState) prune(now time.Time, retention time.Duration) {
	for id, seenAt := range st.seen {
		if now.Sub(seenAt) > retention {
			delete(st.seen, id)
			delete(st.cached, id)
		}
	}
}

// ScheduleOrphan starts the orphan countdown after the last subscriber
// disconnects: abort after the grace, stop (and drop state) after the
// further delay. A new subscription must call CancelOrphan.
func (r *Reliability) ScheduleOrphan(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(sessionID)
	if st.orphanTimer != nil {
		return
	}
	st.orphanTimer = time.AfterFunc(r.cfg.OrphanGrace, func() {
		if r.onAbort != nil {
			r.onAbort(sessionID)
		}
		r.mu.Lock()
		if st, ok := r.sessions[sessionID]; ok && st.orphanTimer != nil {
			st.abortTimer = time.AfterFunc(r.cfg.OrphanAbortDelay, func() {
				if r.onStop != nil {
					r.onStop(sessionID)
				}
				r.Drop(sessionID)
			})
		}
		r.mu.Unlock()
	})
}

// CancelOrphan aborts a pending orphan countdown.
func (r *Reliability) CancelOrphan(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	st.cancelTimersLocked()
}

// Drop cancels timers and forgets all reliability state for a session.
func (r *Reliability) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	st.cancelTimersLocked()
	delete(r.sessions, sessionID)
}

func (st *relState) cancelTimersLocked() {
	if st.orphanTimer != nil {
		st.orphanTimer.Stop()
		st.orphanTimer = nil
	}
	if st.abortTimer != nil {
		st.abortTimer.Stop()
		st.abortTimer = nil
	}
}
