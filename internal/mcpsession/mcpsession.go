// Package mcpsession tracks protocol transport sessions: the Mcp-Session-Id
// handle, its negotiated protocol version, the set of open SSE streams, and a
// per-session event counter that only ever increases.
package mcpsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

const (
	// IdleTTL is how long a session may sit without traffic before the
	// sweeper reclaims it.
	IdleTTL = 30 * time.Minute

	// SweepInterval is how often the sweeper runs.
	SweepInterval = time.Minute

	// replayBufferSize bounds how many recent events a session retains for
	// Last-Event-Id resumption. Older events are lost.
	replayBufferSize = 256

	// streamBufferSize is the per-stream delivery channel depth. A consumer
	// that falls this far behind is disconnected rather than allowed to
	// block the session.
	streamBufferSize = 64
)

// Event is one SSE frame: a strictly increasing id scoped to the session and
// the JSON-RPC payload it carries.
type Event struct {
	ID   uint64
	Data []byte
}

// Stream is one open SSE response. Events arrives in issuance order; the
// channel is closed when the stream is dropped by either side.
type Stream struct {
	Events chan Event

	sess   *Session
	closed bool
}

// Close removes the stream from its session. Safe to call more than once.
func (st *Stream) Close() {
	st.sess.closeStream(st)
}

// Session is one MCP transport session.
type Session struct {
	ID              string
	OAuthHandle     string
	ProtocolVersion string
	CreatedAt       time.Time

	mu             sync.Mutex
	lastAccessedAt time.Time
	nextEventID    uint64
	streams        map[*Stream]struct{}
	replay         []Event
}

// NewID returns a fresh 256-bit session handle in hex.
func NewID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("mcpsession: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccessedAt = time.Now()
	s.mu.Unlock()
}

// NextEventID hands out the next id in the session's sequence. Ids are never
// reused, even across stream closes.
func (s *Session) NextEventID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	return s.nextEventID
}

// Publish assigns the payload an event id, records it in the replay buffer,
// and fans it out to every open stream. A stream too slow to keep up is
// dropped.
func (s *Session) Publish(data []byte) Event {
	s.mu.Lock()
	s.nextEventID++
	ev := Event{ID: s.nextEventID, Data: data}

	s.replay = append(s.replay, ev)
	if len(s.replay) > replayBufferSize {
		s.replay = s.replay[len(s.replay)-replayBufferSize:]
	}

	var stalled []*Stream
	for st := range s.streams {
		select {
		case st.Events <- ev:
		default:
			stalled = append(stalled, st)
		}
	}
	for _, st := range stalled {
		s.removeStreamLocked(st)
	}
	s.lastAccessedAt = time.Now()
	s.mu.Unlock()
	return ev
}

// Subscribe opens a stream on the session. Events recorded after lastEventID
// that are still in the replay buffer are returned for immediate delivery
// before live events; pass 0 to receive live events only from now on.
func (s *Session) Subscribe(lastEventID uint64) (*Stream, []Event) {
	st := &Stream{Events: make(chan Event, streamBufferSize), sess: s}

	s.mu.Lock()
	var missed []Event
	if lastEventID > 0 {
		for _, ev := range s.replay {
			if ev.ID > lastEventID {
				missed = append(missed, ev)
			}
		}
	}
	s.streams[st] = struct{}{}
	s.lastAccessedAt = time.Now()
	s.mu.Unlock()
	return st, missed
}

// StreamCount reports how many streams are currently open.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Session) closeStream(st *Stream) {
	s.mu.Lock()
	s.removeStreamLocked(st)
	s.mu.Unlock()
}

func (s *Session) removeStreamLocked(st *Stream) {
	if st.closed {
		return
	}
	st.closed = true
	delete(s.streams, st)
	close(st.Events)
}

func (s *Session) closeAllStreams() {
	s.mu.Lock()
	for st := range s.streams {
		st.closed = true
		close(st.Events)
	}
	s.streams = make(map[*Stream]struct{})
	s.mu.Unlock()
}

// Manager owns every live session, keyed by Mcp-Session-Id.
type Manager struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session paired with the given OAuth session handle.
func (m *Manager) Create(oauthHandle, protocolVersion string) *Session {
	now := m.now()
	s := &Session{
		ID:              NewID(),
		OAuthHandle:     oauthHandle,
		ProtocolVersion: protocolVersion,
		CreatedAt:       now,
		lastAccessedAt:  now,
		streams:         make(map[*Stream]struct{}),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// Delete terminates a session, closing all of its open streams first.
// Returns false if the id is unknown.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.closeAllStreams()
	return true
}

// Count reports how many sessions are live.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SweepIdle removes every session idle longer than ttl, closing its streams
// first, and returns the removed sessions so the caller can reclaim paired
// state such as session store records.
func (m *Manager) SweepIdle(ttl time.Duration) []*Session {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastAccessedAt.Before(cutoff)
		s.mu.Unlock()
		if idle {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.closeAllStreams()
		m.log.Info("session.sweep", slog.String("mcp_session_id", s.ID))
	}
	return victims
}

// SweepLoop runs SweepIdle on a fixed cadence until ctx is cancelled. The
// onSweep hook receives each pass's reclaimed sessions; it may be nil.
func (m *Manager) SweepLoop(ctx context.Context, onSweep func(removed []*Session)) {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := m.SweepIdle(IdleTTL)
			if onSweep != nil && len(removed) > 0 {
				onSweep(removed)
			}
		}
	}
}
