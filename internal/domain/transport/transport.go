// Package transport implements the directional transport abstraction from
// spec §4.2: IncomingTransport (the proxy accepts client connections) and
// OutgoingTransport (the proxy connects to an upstream MCP server), each
// with a stdio and an HTTP concrete implementation.
//
// The split mirrors the teacher's own adapter layout — separate inbound
// (internal/adapter/inbound/stdio, .../httpgw) and outbound
// (internal/adapter/outbound/mcp) packages behind narrow port interfaces
// (internal/port/inbound, internal/port/outbound) — generalized so both
// directions share one Envelope-based vocabulary instead of the teacher's
// io.Writer/io.Reader pipe pair, since interceptors and the recorder need
// the envelope's context, not just bytes.
package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
)

// ErrNotConnected is returned by SendRequest/ReceiveResponse when called
// before Connect or after the connection has been lost.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("transport: closed")

// Session is what IncomingTransport.Accept produces: one independent,
// ordered stream of envelopes per client connection (spec §4.2 "messages
// from different sessions never interleave in one stream").
type Session struct {
	ID       string
	Inbound  <-chan *mcp.Envelope
	Outbound chan<- *mcp.Envelope
	// Done is closed when the underlying connection ends (client hung up,
	// read error, or the incoming transport was closed).
	Done <-chan struct{}
}

// IncomingTransport is the proxy-accepts-connections capability (spec
// §4.2).
type IncomingTransport interface {
	Listen(ctx context.Context) error
	// Accept returns a channel of new sessions; it is closed when the
	// transport stops accepting (Close was called or ctx was cancelled).
	Accept(ctx context.Context) (<-chan *Session, error)
	Close() error
}

// OutgoingTransport is the proxy-connects-to-upstream capability (spec
// §4.2). It also satisfies pool.Resource so it can be pooled directly:
// IsHealthy maps to a liveness probe, IsLikelyHealthy to the cheap
// synchronous check, Close to graceful shutdown, ResourceID to a stable
// identifier for logging/metrics.
type OutgoingTransport interface {
	Connect(ctx context.Context) error
	SendRequest(ctx context.Context, env *mcp.Envelope) error
	ReceiveResponse(ctx context.Context) (*mcp.Envelope, error)
	IsConnected() bool
	IsLikelyHealthy() bool
	IsHealthy(ctx context.Context) bool
	Close() error
	ResourceID() string
}

// BackoffConfig parameterizes the full-jitter exponential backoff used by
// the HTTP/SSE outgoing transport's reconnect loop (spec §4.2: "base
// 200-500ms, factor 2, full jitter, cap 30s; reset to base after a
// successful message"). Grounded on
// internal/service/upstream_manager.go's calcBackoffDelay, generalized to
// full jitter (the teacher's version is deterministic doubling without
// jitter; the spec calls for jitter explicitly to avoid reconnect storms
// against a shared upstream).
type BackoffConfig struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = 200 * time.Millisecond
	}
	if c.Factor <= 1 {
		c.Factor = 2
	}
	if c.Cap <= 0 {
		c.Cap = 30 * time.Second
	}
	return c
}

// nextDelay returns a full-jitter delay for the given retry count (0 =
// first retry), per the "Full Jitter" formula from AWS's backoff
// architecture note: a uniform random draw in [0, min(cap, base*factor^n)].
func (c BackoffConfig) nextDelay(retryCount int, rnd *rand.Rand) time.Duration {
	c = c.withDefaults()
	backoff := float64(c.Base)
	for i := 0; i < retryCount; i++ {
		backoff *= c.Factor
		if backoff >= float64(c.Cap) {
			backoff = float64(c.Cap)
			break
		}
	}
	if backoff > float64(c.Cap) {
		backoff = float64(c.Cap)
	}
	return time.Duration(rnd.Int63n(int64(backoff) + 1))
}
