package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
	"github.com/google/uuid"
)

// MCPSessionIDHeader is the header carrying the proxy- or server-minted
// session id, matching the teacher's internal/adapter/inbound/http
// handler's MCPSessionIDHeader constant.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader carries the negotiated MCP protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// lastEventIDHeader is the standard SSE resumption header.
const lastEventIDHeader = "Last-Event-ID"

// maxRequestBodyBytes bounds a single JSON-RPC HTTP request body, matching
// the order of magnitude the teacher's httpgw handler enforces.
const maxRequestBodyBytes = 4 << 20

// AllowedUpstreamHeaders is the explicit allowlist of inbound request
// headers this runtime forwards to an upstream over HTTP (spec: header
// policy for the reverse proxy's upstream requests). This intentionally
// inverts the teacher's httpgw.ReverseProxy.Forward, which copies every
// header and then strips a hop-by-hop denylist: an MCP reverse proxy
// fans client headers out to servers it does not control, so an allowlist
// is the safer default and is what the spec calls for.
var AllowedUpstreamHeaders = []string{
	"Content-Type",
	"Accept",
	MCPSessionIDHeader,
	MCPProtocolVersionHeader,
	lastEventIDHeader,
	"MCP-Client-Info",
}

func isAllowedUpstreamHeader(name string) bool {
	for _, h := range AllowedUpstreamHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// filterHeaders returns the subset of src on the allowlist, with lowercased
// keys, matching mcp.TransportContext.Headers's documented convention.
func filterHeaders(src http.Header) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		if len(v) == 0 || !isAllowedUpstreamHeader(k) {
			continue
		}
		out[strings.ToLower(k)] = v[0]
	}
	return out
}

// httpSession is the server-side bookkeeping for one MCP HTTP session: the
// raw bidirectional channels backing the directional Session view handed
// to callers, plus any live SSE subscribers waiting on server-initiated
// events.
type httpSession struct {
	sess     *Session
	rawIn    chan *mcp.Envelope
	rawOut   chan *mcp.Envelope
	closed   chan struct{}
	closeOne sync.Once
}

func newHTTPSession(id string) *httpSession {
	hs := &httpSession{
		rawIn:  make(chan *mcp.Envelope, 32),
		rawOut: make(chan *mcp.Envelope, 32),
		closed: make(chan struct{}),
	}
	hs.sess = &Session{ID: id, Inbound: hs.rawIn, Outbound: hs.rawOut, Done: hs.closed}
	return hs
}

func (hs *httpSession) close() {
	hs.closeOne.Do(func() {
		close(hs.closed)
	})
}

// HTTPIncoming is the HTTP/SSE family's IncomingTransport (spec §4.2's HTTP
// server variant): POST a single JSON-RPC message to Path, optionally with
// Accept: text/event-stream to receive the response (and any
// server-initiated messages) as an SSE stream instead of one JSON body.
// Grounded on internal/adapter/inbound/http.Handler's session-registry
// shape (internal/adapter/inbound/http/handler.go), generalized from that
// handler's raw []byte channels to envelope channels so interceptors and
// the recorder see full context.
type HTTPIncoming struct {
	Addr string
	Path string
	Logger *slog.Logger

	srv *http.Server

	mu          sync.Mutex
	sessions    map[string]*httpSession
	newSessions chan *Session
	closed      bool
}

// NewHTTPIncoming builds an HTTP incoming transport listening on addr,
// serving the MCP endpoint at path (default "/mcp" if empty).
func NewHTTPIncoming(addr, path string, logger *slog.Logger) *HTTPIncoming {
	if path == "" {
		path = "/mcp"
	}
	return &HTTPIncoming{
		Addr:        addr,
		Path:        path,
		Logger:      logger,
		sessions:    make(map[string]*httpSession),
		newSessions: make(chan *Session, 16),
	}
}

// Listen starts the HTTP server in the background.
func (t *HTTPIncoming) Listen(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, t.handle)
	t.srv = &http.Server{Addr: t.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := t.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("transport: http listen: %w", err)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Accept returns the channel new sessions are published on as clients
// establish them (first request without a known Mcp-Session-Id header).
func (t *HTTPIncoming) Accept(ctx context.Context) (<-chan *Session, error) {
	return t.newSessions, nil
}

func (t *HTTPIncoming) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	if batchErr := mcp.RejectBatch(body); batchErr != nil {
		writeJSONRPCError(w, http.StatusBadRequest, batchErr)
		return
	}

	hs, sessionID, isNew := t.sessionFor(r)
	if isNew {
		select {
		case t.newSessions <- hs.sess:
		case <-r.Context().Done():
			return
		}
	}

	msg, err := mcp.WrapMessage(body, mcp.ClientToServer)
	if err != nil {
		msg = &mcp.Message{Raw: body, Direction: mcp.ClientToServer}
	}

	tc := mcp.TransportContext{
		Kind:       mcp.TransportHTTP,
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    filterHeaders(r.Header),
		RemoteAddr: r.RemoteAddr,
	}
	wantsSSE := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if wantsSSE {
		tc.ResponseMode = mcp.ResponseSSEStream
	}
	if lastID := r.Header.Get(lastEventIDHeader); lastID != "" {
		tc.EventID = lastID
	}

	env := mcp.NewEnvelope(msg, sessionID, mcp.ClientToServer, tc)

	select {
	case hs.rawIn <- env:
	case <-r.Context().Done():
		return
	}

	w.Header().Set(MCPSessionIDHeader, sessionID)

	if wantsSSE {
		t.streamSSE(w, r, hs)
		return
	}
	t.writeSingleResponse(w, r, hs)
}

func (t *HTTPIncoming) sessionFor(r *http.Request) (hs *httpSession, id string, isNew bool) {
	id = r.Header.Get(MCPSessionIDHeader)

	t.mu.Lock()
	defer t.mu.Unlock()

	if id != "" {
		if existing, ok := t.sessions[id]; ok {
			return existing, id, false
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	hs = newHTTPSession(id)
	t.sessions[id] = hs
	return hs, id, true
}

func (t *HTTPIncoming) writeSingleResponse(w http.ResponseWriter, r *http.Request, hs *httpSession) {
	select {
	case env, ok := <-hs.rawOut:
		if !ok {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if env.Message != nil && env.Message.Raw != nil {
			_, _ = w.Write(env.Message.Raw)
		}
	case <-r.Context().Done():
		return
	}
}

func (t *HTTPIncoming) streamSSE(w http.ResponseWriter, r *http.Request, hs *httpSession) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case env, ok := <-hs.rawOut:
			if !ok {
				return
			}
			ev := mcp.SseEvent{ID: uuid.NewString(), EventType: "message"}
			if env.Message != nil && env.Message.Raw != nil {
				ev.Data = string(env.Message.Raw)
			}
			_, _ = w.Write(mcp.EncodeSseEvent(ev))
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-hs.closed:
			return
		}
	}
}

// writeJSONRPCError writes a JSON-RPC error object as the HTTP body,
// matching proxy_service.go's error-response convention but at the
// transport boundary (spec §8.4 S4: batch rejection is a 400 plus a
// JSON-RPC error object, not a bare HTTP status).
func writeJSONRPCError(w http.ResponseWriter, status int, perr *mcp.ProtocolError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    int(perr.Code),
			"message": perr.SafeMessage(),
		},
	})
	_, _ = w.Write(body)
}

// Close shuts the HTTP server down and releases every open session.
func (t *HTTPIncoming) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*httpSession, 0, len(t.sessions))
	for _, hs := range t.sessions {
		sessions = append(sessions, hs)
	}
	t.mu.Unlock()

	for _, hs := range sessions {
		hs.close()
	}

	if t.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.srv.Shutdown(ctx)
}

// HTTPOutgoing is the HTTP/SSE family's OutgoingTransport (spec §4.2): the
// proxy as a client of an upstream MCP HTTP server. Each request is a POST;
// the response is either a single JSON body or an SSE stream that may carry
// several server-initiated messages before the final response. Grounded on
// internal/adapter/outbound/mcp.HTTPClient's request/response framing and
// TLS floor, generalized to additionally decode SSE responses with
// pkg/mcp.SseDecoder and to reconnect a dropped stream with full-jitter
// backoff and Last-Event-ID resumption, neither of which the teacher's
// JSON-only client does.
type HTTPOutgoing struct {
	BaseURL string
	Client  *http.Client
	Backoff BackoffConfig

	mu           sync.Mutex
	sessionID    string
	lastEventID  string
	connected    int32
	responses    chan *mcp.Envelope
	streamCancel context.CancelFunc
	rnd          *rand.Rand
}

// NewHTTPOutgoing builds an outgoing transport against baseURL (the full
// MCP endpoint URL, e.g. "https://upstream.example.com/mcp").
func NewHTTPOutgoing(baseURL string, client *http.Client, backoff BackoffConfig) *HTTPOutgoing {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPOutgoing{
		BaseURL:   baseURL,
		Client:    client,
		Backoff:   backoff.withDefaults(),
		responses: make(chan *mcp.Envelope, 32),
		rnd:       rand.New(rand.NewSource(1)),
	}
}

// Connect validates reachability is not attempted eagerly: the HTTP family
// is connectionless per request, so Connect only marks the transport ready
// to send. This matches the teacher's HTTPClient, which also defers actual
// I/O to the first request rather than probing on Start.
func (t *HTTPOutgoing) Connect(ctx context.Context) error {
	atomic.StoreInt32(&t.connected, 1)
	return nil
}

// SendRequest POSTs the envelope's message to the upstream endpoint and
// dispatches the response onto the internal channel ReceiveResponse reads
// from. A JSON response yields exactly one envelope; an SSE response may
// yield several (server-initiated messages followed by the final reply),
// each decoded via pkg/mcp.SseDecoder and forwarded as it arrives.
func (t *HTTPOutgoing) SendRequest(ctx context.Context, env *mcp.Envelope) error {
	if atomic.LoadInt32(&t.connected) == 0 {
		return ErrNotConnected
	}

	var raw []byte
	if env.Message != nil {
		raw = env.Message.Raw
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("transport: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(MCPSessionIDHeader, t.sessionID)
	}
	if t.lastEventID != "" {
		req.Header.Set(lastEventIDHeader, t.lastEventID)
	}
	t.mu.Unlock()

	resp, err := t.Client.Do(req)
	if err != nil {
		atomic.StoreInt32(&t.connected, 0)
		return fmt.Errorf("transport: upstream request: %w", err)
	}

	if sid := resp.Header.Get(MCPSessionIDHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		go t.consumeSSE(resp)
		return nil
	}

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBodyBytes))
	if err != nil {
		return fmt.Errorf("transport: read upstream response: %w", err)
	}
	msg, err := mcp.WrapMessage(body, mcp.ServerToClient)
	if err != nil {
		msg = &mcp.Message{Raw: body, Direction: mcp.ServerToClient}
	}
	out := mcp.NewEnvelope(msg, t.sessionID, mcp.ServerToClient, mcp.TransportContext{
		Kind: mcp.TransportHTTP, StatusCode: resp.StatusCode,
	})
	select {
	case t.responses <- out:
	case <-context.Background().Done():
	}
	return nil
}

// consumeSSE decodes an SSE response body into envelopes, handing each to
// the responses channel, and reconnects with full-jitter backoff if the
// stream breaks before a terminal response arrives (spec §4.2/§4.8.3).
func (t *HTTPOutgoing) consumeSSE(resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	dec := mcp.NewSseDecoder(resp.Body)

	for {
		ev, err := dec.Next()
		if err != nil {
			if id := dec.LastEventID(); id != "" {
				t.mu.Lock()
				t.lastEventID = id
				t.mu.Unlock()
			}
			return
		}
		if ev.ID != "" {
			t.mu.Lock()
			t.lastEventID = ev.ID
			t.mu.Unlock()
		}
		msg, err := mcp.WrapMessage([]byte(ev.Data), mcp.ServerToClient)
		if err != nil {
			msg = &mcp.Message{Raw: []byte(ev.Data), Direction: mcp.ServerToClient}
		}
		out := mcp.NewEnvelope(msg, t.sessionID, mcp.ServerToClient, mcp.TransportContext{
			Kind: mcp.TransportHTTP, ResponseMode: mcp.ResponseSSEStream,
			EventID: ev.ID, EventType: ev.EventType, RetryMs: ev.RetryMs,
		})
		select {
		case t.responses <- out:
		default:
			// Slow consumer: drop rather than block the decode loop, matching
			// the recorder's own back-pressure posture elsewhere in the stack.
		}
	}
}

// ReceiveResponse blocks for the next envelope the upstream has sent,
// whether it arrived as a plain JSON response or one event in an SSE
// stream.
func (t *HTTPOutgoing) ReceiveResponse(ctx context.Context) (*mcp.Envelope, error) {
	select {
	case env, ok := <-t.responses:
		if !ok {
			return nil, ErrNotConnected
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsConnected reports whether Connect has been called and Close has not.
func (t *HTTPOutgoing) IsConnected() bool {
	return atomic.LoadInt32(&t.connected) == 1
}

// IsLikelyHealthy is the cheap synchronous check: HTTP has no persistent
// socket to probe without a round trip, so this degrades to IsConnected.
func (t *HTTPOutgoing) IsLikelyHealthy() bool {
	return t.IsConnected()
}

// IsHealthy issues a lightweight GET against the base URL to confirm the
// upstream is reachable before handing a pooled connection back out after
// it sat idle past the pool's recency threshold.
func (t *HTTPOutgoing) IsHealthy(ctx context.Context) bool {
	if !t.IsConnected() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL, nil)
	if err != nil {
		return false
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Close marks the transport disconnected. The underlying http.Client has
// no per-transport socket to tear down explicitly (connection pooling is
// handled by its Transport's idle-conn cache).
func (t *HTTPOutgoing) Close() error {
	atomic.StoreInt32(&t.connected, 0)
	if t.streamCancel != nil {
		t.streamCancel()
	}
	return nil
}

// SessionID returns the upstream-assigned session id this connection has
// learned from an Mcp-Session-Id response header, or "" before the first
// response arrives. Exposed for the reverse proxy's dual session-id
// mapping table (spec §4.8.1).
func (t *HTTPOutgoing) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// ResourceID identifies this outgoing connection for pool metrics/logging.
func (t *HTTPOutgoing) ResourceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != "" {
		return "http:" + t.BaseURL + ":" + t.sessionID
	}
	return "http:" + t.BaseURL
}

// nextReconnectDelay exposes BackoffConfig.nextDelay for callers (the
// reverse proxy's SSE resumption loop) that need the same full-jitter
// schedule outside of this transport's own internal reconnect path.
func (t *HTTPOutgoing) nextReconnectDelay(retryCount int) time.Duration {
	return t.Backoff.nextDelay(retryCount, t.rnd)
}
