package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/interceptor"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/mcpsession"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/pool"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/proxy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/recorder"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/transport"
	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
)

// SelectorStrategy names an upstream selection policy (spec §4.8.2).
type SelectorStrategy int

const (
	RoundRobin SelectorStrategy = iota
	LeastConnections
	StickyBySession
)

// ErrNoUpstreamAvailable is returned when every configured upstream's
// circuit is open and the sticky map holds no prior assignment.
var ErrNoUpstreamAvailable = errors.New("reverse_proxy: no upstream available")

// breakerState is the timeout-based circuit breaker's three states (spec
// §4.8.4): Closed lets everything through, Open rejects everything until
// the cooldown elapses, HalfOpen lets exactly one probe through to decide
// whether to close again or reopen.
type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is the reverse proxy's per-upstream generalization of
// internal/service/upstream_manager.go's stabilityChecker/backoff retry
// scheduler: instead of "reconnect forever with backoff," it counts
// consecutive timeouts and opens the circuit after a threshold, with a
// single half-open probe after a cooldown rather than an unbounded retry
// loop, since a reverse proxy has alternative upstreams to fall back to.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               breakerState
	consecutiveTimeouts int
	threshold           int
	cooldown            time.Duration
	openedAt            time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a request may be attempted against this upstream.
// A half-open probe is allowed through exactly once per cooldown window;
// the caller must report the outcome via RecordSuccess/RecordTimeout.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		return true
	default:
		return true
	}
}

func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveTimeouts = 0
	b.state = breakerClosed
}

func (b *circuitBreaker) RecordTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveTimeouts++
	if b.state == breakerHalfOpen || b.consecutiveTimeouts >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

func (b *circuitBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && time.Since(b.openedAt) < b.cooldown
}

// UpstreamTarget is one configured upstream: a pooled outgoing transport
// factory plus the breaker and load counters the selector reads.
type UpstreamTarget struct {
	ID      string
	Pool    *pool.Pool[transport.OutgoingTransport]
	Breaker *circuitBreaker

	active int64 // atomic: in-flight sessions, for least-connections
}

// NewUpstreamTarget wraps a pool with a fresh circuit breaker.
func NewUpstreamTarget(id string, p *pool.Pool[transport.OutgoingTransport], breakerThreshold int, breakerCooldown time.Duration) *UpstreamTarget {
	return &UpstreamTarget{ID: id, Pool: p, Breaker: newCircuitBreaker(breakerThreshold, breakerCooldown)}
}

// Selector chooses an upstream per client session (spec §4.8.2) and,
// for tools/call requests, fuses in tool-ownership routing the way
// internal/domain/proxy/upstream_router.go does for the stdio single-
// upstream-per-tool case, generalized to picking among pooled multi-
// upstream targets instead of a single io.Writer/io.Reader pair.
type Selector struct {
	strategy SelectorStrategy
	targets  []*UpstreamTarget
	rr       uint64

	// ToolOwner resolves a tool name to the upstream ID that owns it; nil
	// disables tool-aware routing and falls back to strategy-only
	// selection for every method, including tools/call.
	ToolOwner proxy.ToolCacheReader

	mu     sync.Mutex
	sticky map[string]*UpstreamTarget
}

// NewSelector builds a selector over targets using strategy.
func NewSelector(strategy SelectorStrategy, targets []*UpstreamTarget) *Selector {
	return &Selector{
		strategy: strategy,
		targets:  targets,
		sticky:   make(map[string]*UpstreamTarget),
	}
}

// SelectForRequest picks an upstream for one client-to-server envelope.
// tools/call requests consult ToolOwner first so a tool always routes to
// the upstream that advertised it, regardless of selector strategy;
// every other method (including the session-establishing first request)
// falls back to Select.
func (s *Selector) SelectForRequest(sessionID string, msg *mcp.Message) (*UpstreamTarget, error) {
	if s.ToolOwner != nil && msg != nil && msg.Method() == "tools/call" {
		if params := msg.ParseParams(); params != nil {
			if name, ok := params["name"].(string); ok && name != "" {
				if tool, found := s.ToolOwner.GetTool(name); found {
					if t := s.targetByID(tool.UpstreamID); t != nil && t.Breaker.Allow() {
						return t, nil
					}
				}
			}
		}
	}
	return s.Select(sessionID)
}

func (s *Selector) targetByID(id string) *UpstreamTarget {
	for _, t := range s.targets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Select applies the configured strategy among upstreams whose circuit is
// not open. Sticky-by-session honors a prior assignment for the life of
// the session even if that upstream's circuit later opens, per spec
// §4.8.2 ("sticky mapping... MUST be honored for the life of the
// session") — callers still see errors from a broken sticky upstream
// rather than being silently rerouted mid-session.
func (s *Selector) Select(sessionID string) (*UpstreamTarget, error) {
	if s.strategy == StickyBySession {
		s.mu.Lock()
		if t, ok := s.sticky[sessionID]; ok {
			s.mu.Unlock()
			return t, nil
		}
		s.mu.Unlock()
	}

	available := make([]*UpstreamTarget, 0, len(s.targets))
	for _, t := range s.targets {
		if !t.Breaker.isOpen() {
			available = append(available, t)
		}
	}
	if len(available) == 0 {
		return nil, ErrNoUpstreamAvailable
	}

	var chosen *UpstreamTarget
	switch s.strategy {
	case LeastConnections:
		chosen = available[0]
		for _, t := range available[1:] {
			if atomic.LoadInt64(&t.active) < atomic.LoadInt64(&chosen.active) {
				chosen = t
			}
		}
	default: // RoundRobin and the first StickyBySession pick
		idx := atomic.AddUint64(&s.rr, 1) - 1
		chosen = available[idx%uint64(len(available))]
	}

	if s.strategy == StickyBySession {
		s.mu.Lock()
		s.sticky[sessionID] = chosen
		s.mu.Unlock()
	}
	return chosen, nil
}

// ReverseProxy is the N:M fan-out loop from spec §4.8: many client
// sessions, a configured set of upstreams selected per session, dual
// session-id mapping, and a circuit breaker per upstream. It reuses the
// same Envelope/interceptor/recorder plumbing as ForwardProxy but adds
// the selection and mapping layer forward proxying does not need.
type ReverseProxy struct {
	incoming transport.IncomingTransport
	selector *Selector
	sessions *mcpsession.Manager
	chain    *interceptor.Chain
	rec      *recorder.Recorder
	logger   *slog.Logger

	mu                 sync.RWMutex
	upstreamSessionIDs map[string]string // client session id -> upstream session id
}

// NewReverseProxy wires the incoming transport, upstream selector,
// session manager, interceptor chain, and recorder into one runnable
// reverse proxy.
func NewReverseProxy(
	incoming transport.IncomingTransport,
	selector *Selector,
	sessions *mcpsession.Manager,
	chain *interceptor.Chain,
	rec *recorder.Recorder,
	logger *slog.Logger,
) *ReverseProxy {
	return &ReverseProxy{
		incoming:           incoming,
		selector:           selector,
		sessions:           sessions,
		chain:              chain,
		rec:                rec,
		logger:             logger,
		upstreamSessionIDs: make(map[string]string),
	}
}

// Run listens for incoming client sessions and fans each out to a
// selected upstream until ctx is cancelled or the incoming transport
// stops accepting. Mirrors ForwardProxy.Run's accept loop.
func (p *ReverseProxy) Run(ctx context.Context) error {
	if err := p.incoming.Listen(ctx); err != nil {
		return fmt.Errorf("reverse_proxy: listen: %w", err)
	}
	defer func() { _ = p.incoming.Close() }()

	newSessions, err := p.incoming.Accept(ctx)
	if err != nil {
		return fmt.Errorf("reverse_proxy: accept: %w", err)
	}

	var wg sync.WaitGroup
	for {
		select {
		case sess, ok := <-newSessions:
			if !ok {
				wg.Wait()
				return ctx.Err()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.handleSession(ctx, sess)
			}()
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
	}
}

// UpstreamSessionID returns the upstream-facing session id mapped to a
// client-facing session, for observability and for deciding whether a
// session's upstream connection has completed the initialize handshake.
func (p *ReverseProxy) UpstreamSessionID(clientSessionID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.upstreamSessionIDs[clientSessionID]
	return id, ok
}

func (p *ReverseProxy) handleSession(ctx context.Context, sess *transport.Session) {
	logger := p.logger
	if logger == nil {
		logger = slog.Default()
	}

	mcpSess := p.sessions.Create(mcpsession.TransportTypeHTTP)
	defer p.sessions.Close(mcpSess.ID())

	target, err := p.selector.Select(mcpSess.ID())
	if err != nil {
		logger.Warn("reverse_proxy: no upstream available", "session_id", sess.ID, "error", err)
		p.replyNoUpstream(sess, err)
		return
	}

	atomic.AddInt64(&target.active, 1)
	defer atomic.AddInt64(&target.active, -1)

	conn, err := target.Pool.Acquire(ctx)
	if err != nil {
		target.Breaker.RecordTimeout()
		logger.Error("reverse_proxy: acquire upstream failed", "session_id", sess.ID, "upstream", target.ID, "error", err)
		p.replyNoUpstream(sess, err)
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		if err := p.pumpClientToServer(sessionCtx, sess, mcpSess, target, conn.Resource()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("reverse_proxy: client->server ended", "session_id", sess.ID, "upstream", target.ID, "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if err := p.pumpServerToClient(sessionCtx, sess, mcpSess, target, conn.Resource()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("reverse_proxy: server->client ended", "session_id", sess.ID, "upstream", target.ID, "error", err)
		}
	}()

	wg.Wait()

	if sessIDer, ok := conn.Resource().(interface{ SessionID() string }); ok {
		if upstreamID := sessIDer.SessionID(); upstreamID != "" {
			p.mu.Lock()
			p.upstreamSessionIDs[mcpSess.ID()] = upstreamID
			p.mu.Unlock()
		}
	}

	if conn.Resource().IsConnected() {
		target.Breaker.RecordSuccess()
		conn.Release()
	} else {
		target.Breaker.RecordTimeout()
		conn.Discard()
	}
}

func (p *ReverseProxy) pumpClientToServer(ctx context.Context, sess *transport.Session, mcpSess *mcpsession.Session, target *UpstreamTarget, out transport.OutgoingTransport) error {
	for {
		select {
		case env, ok := <-sess.Inbound:
			if !ok {
				return nil
			}
			env.Context.SessionID = mcpSess.ID()

			result, err := p.chain.Evaluate(ctx, env)
			if err != nil {
				return fmt.Errorf("interceptor evaluation: %w", err)
			}
			if result.Decision.Kind == interceptor.Block || result.Decision.Kind == interceptor.Pause {
				p.replyBlocked(sess, result.Envelope, result.Decision)
				continue
			}

			mcpSess.RecordFrame()
			if p.rec != nil {
				p.rec.RecordFrame(result.Envelope)
			}
			if err := out.SendRequest(ctx, result.Envelope); err != nil {
				target.Breaker.RecordTimeout()
				return fmt.Errorf("send upstream: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *ReverseProxy) pumpServerToClient(ctx context.Context, sess *transport.Session, mcpSess *mcpsession.Session, target *UpstreamTarget, out transport.OutgoingTransport) error {
	for {
		env, err := out.ReceiveResponse(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrNotConnected) {
				// Upstream stream ended without a terminal response: per spec
				// §4.8.3, surface a gap event rather than silently truncating
				// the client's view, since replay support is transport-
				// specific and this pooled connection is already being
				// discarded by the caller.
				p.sendGapEvent(sess, mcpSess.ID())
				return nil
			}
			return fmt.Errorf("receive upstream: %w", err)
		}
		env.Context.SessionID = mcpSess.ID()

		result, err := p.chain.Evaluate(ctx, env)
		if err != nil {
			return fmt.Errorf("interceptor evaluation: %w", err)
		}
		if result.Decision.Kind == interceptor.Block {
			continue
		}

		mcpSess.RecordFrame()
		if p.rec != nil {
			p.rec.RecordFrame(result.Envelope)
		}

		select {
		case sess.Outbound <- result.Envelope:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendGapEvent pushes a synthetic notification informing the client of a
// discontinuity in the server-to-client stream (spec Open Question 1:
// "surface a gap event... rather than silently starting a fresh
// subscription").
func (p *ReverseProxy) sendGapEvent(sess *transport.Session, sessionID string) {
	raw := []byte(`{"jsonrpc":"2.0","method":"sentinelgate/gap","params":{"reason":"upstream stream ended without replay support"}}`)
	msg := &mcp.Message{Raw: raw, Direction: mcp.ServerToClient}
	env := mcp.NewEnvelope(msg, sessionID, mcp.ServerToClient, mcp.TransportContext{})
	select {
	case sess.Outbound <- env:
	default:
	}
}

// replyBlocked mirrors ForwardProxy.replyBlocked: a Block/Pause decision
// on a client request produces a JSON-RPC error reply instead of being
// forwarded upstream.
func (p *ReverseProxy) replyBlocked(sess *transport.Session, env *mcp.Envelope, decision interceptor.Decision) {
	if env == nil || env.Message == nil {
		return
	}
	reason := decision.Reason
	if reason == "" {
		reason = "blocked by policy"
	}
	errResp := proxy.CreateJSONRPCError(env.Message.RawID(), int(mcp.CodeBlocked), reason)
	respMsg := &mcp.Message{Raw: errResp, Direction: mcp.ServerToClient}
	respEnv := mcp.NewEnvelope(respMsg, env.Context.SessionID, mcp.ServerToClient, env.Context.Transport)
	select {
	case sess.Outbound <- respEnv:
	default:
	}
}

// replyNoUpstream reports ErrNoUpstreamAvailable (or an acquire failure)
// to the client as a JSON-RPC error, matching upstream_router.go's own
// ErrCodeNoUpstreams convention (spec §4.8.4: "returns UpstreamError::CircuitOpen
// if no alternative exists").
func (p *ReverseProxy) replyNoUpstream(sess *transport.Session, cause error) {
	errResp := proxy.CreateJSONRPCError(nil, int(proxy.ErrCodeNoUpstreams), fmt.Sprintf("no upstream available: %v", cause))
	respMsg := &mcp.Message{Raw: errResp, Direction: mcp.ServerToClient}
	respEnv := mcp.NewEnvelope(respMsg, "", mcp.ServerToClient, mcp.TransportContext{})
	select {
	case sess.Outbound <- respEnv:
	default:
	}
}
