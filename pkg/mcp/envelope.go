package mcp

import (
	"sync/atomic"
	"time"
)

// WireFormat identifies how RawWireData bytes were framed on the wire.
type WireFormat int

const (
	// FormatJSON indicates a single JSON-RPC object.
	FormatJSON WireFormat = iota
	// FormatServerSentEvent indicates one SSE event (data/event/id/retry lines).
	FormatServerSentEvent
	// FormatUnknown is used when the format could not be determined.
	FormatUnknown
)

// ResponseMode distinguishes a single JSON response from a long-lived SSE
// stream response for an HTTP-transported request.
type ResponseMode int

const (
	// ResponseJSON is a single request/response exchange.
	ResponseJSON ResponseMode = iota
	// ResponseSSEStream is a long-lived Server-Sent Events response.
	ResponseSSEStream
)

// TransportKind tags which concrete transport carried a message.
type TransportKind int

const (
	// TransportStdio tags a message carried over a stdio pipe.
	TransportStdio TransportKind = iota
	// TransportHTTP tags a message carried over an HTTP request/response
	// or SSE stream.
	TransportHTTP
)

// TransportContext is the tagged-variant context spec §3.2 describes.
// Only the fields relevant to Kind are populated; the others are left at
// their zero value. Go has no sum types, so this is modeled as a single
// struct with a discriminant, matching how the teacher models its own
// HTTP/stdio adapter split (separate client types behind one port
// interface) while still letting interceptors inspect either shape
// uniformly.
type TransportContext struct {
	Kind TransportKind

	// Stdio fields.
	ProcessID int
	Command   string

	// HTTP fields.
	Method       string
	Path         string
	Headers      map[string]string // lowercased keys
	StatusCode   int
	RemoteAddr   string
	ResponseMode ResponseMode

	// SSE metadata, carried on the HTTP variant per spec §3.2.
	EventID   string
	EventType string
	RetryMs   int
}

// MessageContext carries everything about an envelope that is not the
// message payload itself.
type MessageContext struct {
	SessionID       string
	Direction       Direction
	Transport       TransportContext
	ProtocolVersion string
	Timestamp       time.Time

	// Metadata is lazily allocated: most envelopes never need it, so the
	// zero-value Envelope carries a nil map until something writes to it.
	Metadata map[string]any
}

// Set stores a metadata value, allocating the backing map on first use.
func (c *MessageContext) Set(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

// Get reads a metadata value; ok is false if the key was never set.
func (c *MessageContext) Get(key string) (value any, ok bool) {
	if c.Metadata == nil {
		return nil, false
	}
	value, ok = c.Metadata[key]
	return value, ok
}

// sharedBytes is a reference-counted immutable byte buffer. Multiple
// envelopes (one forwarded, one recorded) can share the same underlying
// bytes without a deep copy, matching spec §3.2's ownership note. The
// counter only gates an optional release hook (e.g. returning a buffer to
// a pool); callers that don't need pooling can ignore Release entirely.
type sharedBytes struct {
	data    []byte
	refs    int32
	onEmpty func([]byte)
}

// newSharedBuffer wraps data as a reference-counted immutable buffer with
// an initial reference count of 1.
func newSharedBuffer(data []byte) *sharedBuffer {
	return &sharedBuffer{shared: &sharedBytes{data: data, refs: 1}}
}

// sharedBuffer is the reference-counted handle backing RawWireData.Bytes.
// Splitting it from RawWireData keeps RawWireData a plain value type that
// is cheap to pass by value while the underlying bytes are shared.
type sharedBuffer struct {
	shared *sharedBytes
}

// Bytes returns the underlying immutable byte slice. Callers must not
// mutate it.
func (r *sharedBuffer) Bytes() []byte {
	if r == nil || r.shared == nil {
		return nil
	}
	return r.shared.data
}

// Retain increments the reference count and returns the same handle,
// mirroring the clone-a-reference step on the recorder/forwarder fan-out
// path described in spec §3.2.
func (r *sharedBuffer) Retain() *sharedBuffer {
	if r == nil || r.shared == nil {
		return r
	}
	atomic.AddInt32(&r.shared.refs, 1)
	return r
}

// Release decrements the reference count; when it reaches zero and an
// onEmpty hook was registered, the hook runs (e.g. returning bytes to a
// sync.Pool). Safe to call on a nil receiver.
func (r *sharedBuffer) Release() {
	if r == nil || r.shared == nil {
		return
	}
	if atomic.AddInt32(&r.shared.refs, -1) == 0 && r.shared.onEmpty != nil {
		r.shared.onEmpty(r.shared.data)
	}
}

// RawWireData is the optional companion to an Envelope used by the
// recorder for bit-exact preservation of what was actually on the wire.
type RawWireData struct {
	buf       *sharedBuffer
	Format    WireFormat
	Direction Direction
}

// NewRawWireData builds a RawWireData view over the given bytes.
func NewRawWireData(data []byte, format WireFormat, dir Direction) RawWireData {
	return RawWireData{buf: newSharedBuffer(data), Format: format, Direction: dir}
}

// Bytes returns the shared immutable bytes, or nil if none are attached.
func (r RawWireData) Bytes() []byte {
	return r.buf.Bytes()
}

// Share returns a new RawWireData referencing the same underlying bytes,
// bumping the reference count rather than copying.
func (r RawWireData) Share() RawWireData {
	return RawWireData{buf: r.buf.Retain(), Format: r.Format, Direction: r.Direction}
}

// Release drops this handle's reference to the shared bytes.
func (r RawWireData) Release() {
	r.buf.Release()
}

// Envelope pairs a decoded Message with its MessageContext, per spec §3.2.
type Envelope struct {
	Message *Message
	Context MessageContext

	// Raw is the optional wire-bytes companion. Zero value means "not
	// attached" (most envelopes on the forward-only path never need it;
	// the recorder path attaches it via record_frame_with_raw).
	Raw RawWireData
}

// NewEnvelope builds an Envelope from a decoded message and a session ID,
// stamping the current time as the context timestamp.
func NewEnvelope(msg *Message, sessionID string, dir Direction, transport TransportContext) *Envelope {
	return &Envelope{
		Message: msg,
		Context: MessageContext{
			SessionID: sessionID,
			Direction: dir,
			Transport: transport,
			Timestamp: time.Now(),
		},
	}
}
