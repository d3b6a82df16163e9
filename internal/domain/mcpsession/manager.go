package mcpsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
	"github.com/cespare/xxhash/v2"
)

// shardCount governs the session map's fine-grained locking, per spec
// §4.4 ("hash-map indexed by SessionId with fine-grained locks or a
// sharded map"). A power of two keeps the mask cheap.
const shardCount = 32

// PersistedFrame is what the optional persistence worker batches and
// flushes; it is a thin projection of a recorded frame, not the full
// envelope (the recorder, not the session manager, owns wire bytes).
type PersistedFrame struct {
	SessionID  string
	FrameCount int64
	Method     string
	RecordedAt time.Time
}

// Store is the pluggable persistence backend for session frame history.
// The default configuration runs with no Store at all (pure in-memory
// session registry); Store only matters when durability across proxy
// restarts is desired (spec §4.4 "the persistence worker, if enabled").
type Store interface {
	PersistBatch(ctx context.Context, frames []PersistedFrame) error
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Config tunes the Manager's persistence worker and cleanup behavior.
type Config struct {
	// EventBufferCapacity bounds each session's SSE resumption buffer.
	EventBufferCapacity int
	// IdleTimeout is how long a session may go without activity before
	// Cleanup moves it to Closing.
	IdleTimeout time.Duration
	// FlushSize/FlushInterval bound the persistence worker's batching,
	// mirroring the teacher's audit file store rotation-by-size-or-time
	// pattern (internal/adapter/outbound/audit/file_store.go).
	FlushSize     int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.EventBufferCapacity <= 0 {
		c.EventBufferCapacity = defaultEventBufferCapacity
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.FlushSize <= 0 {
		c.FlushSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return c
}

// Manager is the session registry described in spec §4.4: create/get,
// frame recording, the reverse-proxy session-id mapping table, SSE
// resumption bookkeeping, and idle cleanup.
type Manager struct {
	shards [shardCount]*shard
	cfg    Config
	logger *slog.Logger

	// upstreamMu guards the bidirectional session-id mapping table used
	// only by the reverse proxy (spec §4.4 map_upstream/lookup_upstream).
	// It is a plain map behind one mutex: mappings are written once per
	// session (at initialize) and read occasionally, not a per-frame
	// hot path, so it does not need sharding.
	upstreamMu sync.RWMutex
	proxyToUp  map[string]string
	upToProxy  map[string]string

	store Store

	pendingMu sync.Mutex
	pending   []PersistedFrame
	flushOnce sync.Once
	closeCh   chan struct{}
	closed    bool
}

// NewManager constructs a Manager. store may be nil, in which case
// frame history is never persisted (spec §4.4: "persistence failures do
// not block the hot path; they degrade to log+counter" — a nil store is
// the degenerate case of always degrading).
func NewManager(cfg Config, store Store, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		proxyToUp: make(map[string]string),
		upToProxy: make(map[string]string),
		store:     store,
		closeCh:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return m
}

func (m *Manager) shardFor(id string) *shard {
	h := xxhash.Sum64String(id)
	return m.shards[h%shardCount]
}

// Create mints a new Session for the given transport type (spec §4.4
// create(transport_type)).
func (m *Manager) Create(transportType TransportType) *Session {
	s := NewSession(transportType, m.cfg.EventBufferCapacity)
	sh := m.shardFor(s.ID())
	sh.mu.Lock()
	sh.sessions[s.ID()] = s
	sh.mu.Unlock()
	return s
}

// Get returns the session for id, or ok=false if unknown. Matches spec
// §4.4's read-only get(id); updates should go through GetMut or the
// Session's own thread-safe mutators.
func (m *Manager) Get(id string) (*Session, bool) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// GetMut returns the session for id and runs fn against it while holding
// no manager-level lock (the Session itself is internally synchronized).
// Per spec §4.4, "get_mut callers are expected to keep updates short" —
// fn should not block on I/O.
func (m *Manager) GetMut(id string, fn func(*Session)) (ok bool) {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	fn(s)
	return true
}

// RecordFrame increments the session's frame_count, refreshes
// last_activity, and optionally queues the frame for the persistence
// worker (spec §4.4 record_frame).
func (m *Manager) RecordFrame(env *mcp.Envelope) error {
	s, ok := m.Get(env.Context.SessionID)
	if !ok {
		return fmt.Errorf("mcpsession: record_frame: unknown session %q", env.Context.SessionID)
	}
	s.RecordFrame()

	if m.store == nil {
		return nil
	}

	method := ""
	if env.Message != nil {
		method = env.Message.Method()
	}
	m.enqueuePersist(PersistedFrame{
		SessionID:  s.ID(),
		FrameCount: s.FrameCount(),
		Method:     method,
		RecordedAt: time.Now(),
	})
	return nil
}

// enqueuePersist batches frames and lazily starts the flush worker on
// first use, per spec §4.4 ("lazily initialized on the first write;
// batched writes flush on size or interval threshold").
func (m *Manager) enqueuePersist(f PersistedFrame) {
	m.flushOnce.Do(func() { go m.flushLoop() })

	m.pendingMu.Lock()
	m.pending = append(m.pending, f)
	full := len(m.pending) >= m.cfg.FlushSize
	m.pendingMu.Unlock()

	if full {
		m.flush()
	}
}

func (m *Manager) flushLoop() {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flush()
		case <-m.closeCh:
			m.flush()
			return
		}
	}
}

func (m *Manager) flush() {
	m.pendingMu.Lock()
	if len(m.pending) == 0 {
		m.pendingMu.Unlock()
		return
	}
	batch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	if err := m.store.PersistBatch(context.Background(), batch); err != nil {
		// Persistence failures degrade to log+counter, never block the
		// hot path (spec §4.4).
		if m.logger != nil {
			m.logger.Warn("mcpsession: persist batch failed", "count", len(batch), "error", err)
		}
	}
}

// MapUpstream records the bidirectional proxy-id <-> upstream-id mapping
// used by the reverse proxy (spec §4.4 map_upstream).
func (m *Manager) MapUpstream(proxyID, upstreamID string) {
	m.upstreamMu.Lock()
	defer m.upstreamMu.Unlock()
	m.proxyToUp[proxyID] = upstreamID
	m.upToProxy[upstreamID] = proxyID
}

// LookupUpstream resolves an upstream-assigned session id back to the
// client-facing proxy session id (spec §4.4 lookup_upstream).
func (m *Manager) LookupUpstream(upstreamID string) (proxyID string, ok bool) {
	m.upstreamMu.RLock()
	defer m.upstreamMu.RUnlock()
	proxyID, ok = m.upToProxy[upstreamID]
	return proxyID, ok
}

// UpstreamFor resolves the proxy-facing id to its mapped upstream id.
func (m *Manager) UpstreamFor(proxyID string) (upstreamID string, ok bool) {
	m.upstreamMu.RLock()
	defer m.upstreamMu.RUnlock()
	upstreamID, ok = m.proxyToUp[proxyID]
	return upstreamID, ok
}

// AppendSseEvent appends an event to the session's resumption buffer.
func (m *Manager) AppendSseEvent(id string, ev mcp.SseEvent) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("mcpsession: append_sse_event: unknown session %q", id)
	}
	s.AppendSseEvent(ev)
	return nil
}

// EventsAfter returns buffered events after lastEventID for a session.
func (m *Manager) EventsAfter(id, lastEventID string) ([]mcp.SseEvent, bool, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, false, fmt.Errorf("mcpsession: events_after: unknown session %q", id)
	}
	events, found := s.EventsAfter(lastEventID)
	return events, found, nil
}

// Cleanup removes sessions idle past the configured timeout, moving them
// to Closed and dropping them from the registry (spec §4.4 cleanup(now)).
// It returns the ids that were reaped.
func (m *Manager) Cleanup(now time.Time) []string {
	var reaped []string
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.IdleFor(now) < m.cfg.IdleTimeout {
				continue
			}
			s.Transition(StateClosing)
			s.Transition(StateClosed)
			delete(sh.sessions, id)
			reaped = append(reaped, id)
		}
		sh.mu.Unlock()
	}

	m.upstreamMu.Lock()
	for _, id := range reaped {
		if up, ok := m.proxyToUp[id]; ok {
			delete(m.upToProxy, up)
			delete(m.proxyToUp, id)
		}
	}
	m.upstreamMu.Unlock()

	return reaped
}

// Close force-closes a single session (spec §4.4 close(id)).
func (m *Manager) Close(id string) bool {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok {
		return false
	}
	s.Transition(StateClosing)
	s.Transition(StateClosed)
	delete(sh.sessions, id)
	return true
}

// Shutdown stops the persistence worker and flushes any remaining
// batched frames. Idempotent.
func (m *Manager) Shutdown() {
	m.pendingMu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	m.pendingMu.Unlock()
	if alreadyClosed {
		return
	}
	close(m.closeCh)
}

// Count returns the total number of live sessions across all shards,
// used by metrics and tests.
func (m *Manager) Count() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return total
}
