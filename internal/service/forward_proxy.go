package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/interceptor"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/mcpsession"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/pool"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/proxy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/recorder"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/transport"
	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
)

// ForwardProxy is the 1:1 bidirectional pump from spec §4.7: one incoming
// client session talks to exactly one pooled upstream connection, with
// every envelope passing through the interceptor chain and, if enabled,
// the recorder. It is the Envelope/pool/mcpsession/interceptor/recorder
// rewrite of ProxyService.Run's client<->server goroutine pair
// (proxy_service.go), generalized from raw io.Reader/io.Writer pumping
// over stdio to the directional transport abstraction so the same loop
// serves both the stdio and HTTP/SSE families.
type ForwardProxy struct {
	incoming transport.IncomingTransport
	upstream *pool.Pool[transport.OutgoingTransport]
	sessions *mcpsession.Manager
	chain    *interceptor.Chain
	rec      *recorder.Recorder
	logger   *slog.Logger

	sessionTransportType mcpsession.TransportType
}

// NewForwardProxy wires the directional transport, upstream pool, session
// manager, interceptor chain, and recorder into one runnable proxy.
func NewForwardProxy(
	incoming transport.IncomingTransport,
	upstream *pool.Pool[transport.OutgoingTransport],
	sessions *mcpsession.Manager,
	chain *interceptor.Chain,
	rec *recorder.Recorder,
	transportType mcpsession.TransportType,
	logger *slog.Logger,
) *ForwardProxy {
	return &ForwardProxy{
		incoming:             incoming,
		upstream:             upstream,
		sessions:             sessions,
		chain:                chain,
		rec:                  rec,
		logger:               logger,
		sessionTransportType: transportType,
	}
}

// Run listens for incoming sessions and pumps each one until ctx is
// cancelled or the incoming transport stops accepting.
func (p *ForwardProxy) Run(ctx context.Context) error {
	if err := p.incoming.Listen(ctx); err != nil {
		return fmt.Errorf("forward_proxy: listen: %w", err)
	}
	defer func() { _ = p.incoming.Close() }()

	newSessions, err := p.incoming.Accept(ctx)
	if err != nil {
		return fmt.Errorf("forward_proxy: accept: %w", err)
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

func (p *ForwardProxy) handleSession(ctx context.Context, sess *transport.Session) {
	logger := p.logger
	if logger == nil {
		logger = slog.Default()
	}

	mcpSess := p.sessions.Create(p.sessionTransportType)
	defer p.sessions.Close(mcpSess.ID())

	conn, err := p.upstream.Acquire(ctx)
	if err != nil {
		logger.Error("forward_proxy: acquire upstream failed", "session_id", sess.ID, "error", err)
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		if err := p.pumpClientToServer(sessionCtx, sess, mcpSess, conn.Resource()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("forward_proxy: client->server ended", "session_id", sess.ID, "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if err := p.pumpServerToClient(sessionCtx, sess, mcpSess, conn.Resource()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("forward_proxy: server->client ended", "session_id", sess.ID, "error", err)
		}
	}()

	wg.Wait()

	if conn.Resource().IsConnected() {
		conn.Release()
	} else {
		conn.Discard()
	}
}

func (p *ForwardProxy) pumpClientToServer(ctx context.Context, sess *transport.Session, mcpSess *mcpsession.Session, out transport.OutgoingTransport) error {
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
				return fmt.Errorf("send upstream: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *ForwardProxy) pumpServerToClient(ctx context.Context, sess *transport.Session, mcpSess *mcpsession.Session, out transport.OutgoingTransport) error {
	for {
		env, err := out.ReceiveResponse(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrNotConnected) {
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

// replyBlocked sends a JSON-RPC error response back to the client for a
// blocked client->server request, matching proxy_service.go's existing
// "send an error response, never forward" behavior for interceptor
// rejections.
func (p *ForwardProxy) replyBlocked(sess *transport.Session, env *mcp.Envelope, decision interceptor.Decision) {
	if env == nil || env.Message == nil {
		return
	}
	rawID := env.Message.RawID()
	reason := decision.Reason
	if reason == "" {
		reason = "blocked by policy"
	}
	errResp := proxy.CreateJSONRPCError(rawID, int(mcp.CodeBlocked), reason)
	respMsg := &mcp.Message{Raw: errResp, Direction: mcp.ServerToClient}
	respEnv := mcp.NewEnvelope(respMsg, env.Context.SessionID, mcp.ServerToClient, env.Context.Transport)

	select {
	case sess.Outbound <- respEnv:
	default:
	}
}
