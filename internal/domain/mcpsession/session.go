// Package mcpsession implements the proxy-owned protocol session registry
// described in spec §3.3/§4.4: a session tracks frame counts, state
// transitions, and SSE resumption state for one client connection,
// independent of the identity/auth session in internal/domain/session.
package mcpsession

import (
	"sync"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
	"github.com/google/uuid"
)

// State is the session lifecycle state machine from spec §3.3. Transitions
// move strictly forward: Initializing -> Active -> Closing -> Closed.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether moving from s to next is a legal forward
// transition (no resurrection, per spec invariant).
func canTransition(from, to State) bool {
	return to > from && to <= StateClosed
}

// TransportType records which transport family a session was established
// over, used to pick the right directional transport behavior.
type TransportType int

const (
	TransportTypeStdio TransportType = iota
	TransportTypeHTTP
)

// defaultEventBufferCapacity is the default bound on Session.EventBuffer,
// per spec §3.3 ("default 100").
const defaultEventBufferCapacity = 100

// eventBuffer is a bounded ring buffer of mcp.SseEvent used for SSE
// resumption (spec §4.2 HTTP/SSE server, §4.8.3). Oldest events are
// dropped on overflow.
type eventBuffer struct {
	events []mcp.SseEvent
	cap    int
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity <= 0 {
		capacity = defaultEventBufferCapacity
	}
	return &eventBuffer{cap: capacity}
}

func (b *eventBuffer) append(ev mcp.SseEvent) {
	b.events = append(b.events, ev)
	if len(b.events) > b.cap {
		b.events = b.events[len(b.events)-b.cap:]
	}
}

// after returns events whose ID was appended strictly after lastEventID,
// comparing by insertion order (spec §4.2: "event IDs are opaque tokens
// correlated with insertion order within a session"). If lastEventID is
// not found in the buffer (it fell off the end, or was never seen), the
// full buffer is returned so the caller can decide whether to surface a
// gap (see SPEC_FULL.md SSE gap-event decision).
func (b *eventBuffer) after(lastEventID string) (events []mcp.SseEvent, found bool) {
	if lastEventID == "" {
		return append([]mcp.SseEvent(nil), b.events...), true
	}
	for i, ev := range b.events {
		if ev.ID == lastEventID {
			return append([]mcp.SseEvent(nil), b.events[i+1:]...), true
		}
	}
	return nil, false
}

// Session is the proxy-owned protocol session described in spec §3.3.
type Session struct {
	mu sync.Mutex

	id                 string
	upstreamSessionID  string
	upstreamSessionSet bool
	createdAt          time.Time
	lastActivity       time.Time
	frameCount         int64
	protocolVersion    string
	state              State
	transportType      TransportType
	lastEventID        string
	events             *eventBuffer
	tags               map[string]struct{}
}

// NewSession creates a session with a fresh UUID per spec §4.4 create().
func NewSession(transportType TransportType, eventBufferCapacity int) *Session {
	now := time.Now()
	return &Session{
		id:            uuid.NewString(),
		createdAt:     now,
		lastActivity:  now,
		state:         StateInitializing,
		transportType: transportType,
		events:        newEventBuffer(eventBufferCapacity),
		tags:          make(map[string]struct{}),
	}
}

// ID returns the immutable proxy-minted session id.
func (s *Session) ID() string {
	return s.id
}

// UpstreamSessionID returns the server-assigned upstream session id and
// whether one has been set yet (reverse proxy only).
func (s *Session) UpstreamSessionID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamSessionID, s.upstreamSessionSet
}

// SetUpstreamSessionID records the upstream-assigned session id. Once set
// it is immutable, per spec §3.3; a second call is a no-op.
func (s *Session) SetUpstreamSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstreamSessionSet {
		return
	}
	s.upstreamSessionID = id
	s.upstreamSessionSet = true
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session forward in its state machine. Backward or
// no-op transitions are rejected with ok=false rather than panicking,
// since callers (transport error paths, cleanup) race on state changes.
func (s *Session) Transition(to State) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

// Activate moves Initializing -> Active, observed when an initialize
// response crosses the proxy (spec §3.3 lifecycle).
func (s *Session) Activate() bool {
	return s.Transition(StateActive)
}

// RecordFrame increments frame_count and refreshes last_activity. It is
// the hot-path update invoked once per envelope (spec §4.4 record_frame).
func (s *Session) RecordFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount++
	s.lastActivity = time.Now()
}

// FrameCount returns the monotonic frame counter.
func (s *Session) FrameCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

// LastActivity returns the last time a frame was recorded.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleFor reports how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// SetProtocolVersion records the negotiated MCP protocol version.
func (s *Session) SetProtocolVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = v
}

// ProtocolVersion returns the negotiated protocol version, if any.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// TransportType returns which transport family this session rides.
func (s *Session) TransportType() TransportType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportType
}

// Tag adds an observability tag (spec §3.3 tags: set of string).
func (s *Session) Tag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tag] = struct{}{}
}

// Tags returns a snapshot of the current tag set.
func (s *Session) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tags))
	for t := range s.tags {
		out = append(out, t)
	}
	return out
}

// AppendSseEvent records an SSE event into the bounded resumption buffer
// and updates last_event_id (spec §4.4 append_sse_event).
func (s *Session) AppendSseEvent(ev mcp.SseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.append(ev)
	if ev.ID != "" {
		s.lastEventID = ev.ID
	}
}

// EventsAfter returns buffered events after lastEventID, and whether
// lastEventID was found in the buffer (spec §4.4 events_after).
func (s *Session) EventsAfter(lastEventID string) ([]mcp.SseEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.after(lastEventID)
}

// LastEventID returns the most recent SSE event id seen on this session.
func (s *Session) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// CreatedAt returns the session creation instant.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}
