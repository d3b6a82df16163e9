// Package pool implements the generic bounded connection pool described in
// spec §4.3: a semaphore-gated set of poolable resources with LIFO idle
// reuse, a recency fast-path that skips redundant health checks, and a
// bounded async release path so a slow health check never blocks the
// caller that is done with a connection.
//
// No single teacher file implements a pool like this one; it is grounded
// conceptually on internal/service/upstream_manager.go's backoff/health
// idiom (calcBackoffDelay, monitorHealth, stabilityChecker) generalized
// from "one upstream connection, reconnected on failure" to "N pooled
// resources, health-checked on reuse." The real-world analog named in the
// pack is jackc/puddle (pulled in transitively by shibaleo-mcpist's
// pgx-based storage layer).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is returned by Acquire once the pool has been shut down.
var ErrPoolClosed = errors.New("pool: closed")

// ErrAcquireTimeout is returned by Acquire when no permit and no idle
// resource became available before Config.AcquireTimeout elapsed.
var ErrAcquireTimeout = errors.New("pool: acquire timed out")

// Resource is the capability interface a pooled value must satisfy (spec
// §4.3 "PoolableResource"). IsLikelyHealthy is the cheap synchronous check
// used on the release fast path; IsHealthy is the (possibly blocking)
// check used when a resource is reused from idle past the recency
// threshold.
type Resource interface {
	IsHealthy(ctx context.Context) bool
	IsLikelyHealthy() bool
	Close() error
	ResourceID() string
}

// Factory creates a new resource. It is supplied to Acquire rather than
// the pool constructor so one pool type can serve differently-configured
// upstreams (spec §4.3: "the pool itself is upstream-agnostic").
type Factory[T Resource] func(ctx context.Context) (T, error)

// Hooks are optional lifecycle callbacks, each a no-op if left nil.
type Hooks[T Resource] struct {
	// AfterCreate runs once, right after Factory succeeds.
	AfterCreate func(ctx context.Context, r T) error
	// BeforeAcquire runs before a resource (new or reused) is handed to the
	// caller; returning false rejects the resource (it is closed and the
	// acquire loop tries again).
	BeforeAcquire func(ctx context.Context, r T) bool
	// AfterRelease runs on the async release path, after the resource has
	// left the caller's hands but before it is requeued or closed.
	AfterRelease func(ctx context.Context, r T)
}

// Config tunes pool sizing, timeouts, and maintenance cadence.
type Config struct {
	MaxConnections int
	AcquireTimeout time.Duration
	// MaxIdle bounds how many resources sit in the idle deque; excess
	// releases are closed outright instead of requeued.
	MaxIdle int
	// MaxLifetime closes a resource during maintenance once it has been
	// alive this long, regardless of health. Zero disables the check.
	MaxLifetime time.Duration
	// IdleCleanupInterval is how often the maintenance loop runs.
	IdleCleanupInterval time.Duration
	// RecencyThreshold: an idle resource last validated within this window
	// skips the health check on reuse (spec §4.3.2 fast path).
	RecencyThreshold time.Duration
	// HealthCheckTimeout bounds IsHealthy calls so one stuck resource
	// cannot wedge an Acquire or the maintenance loop indefinitely.
	HealthCheckTimeout time.Duration
	// ReleaseQueueSize bounds the async release path's backlog; a release
	// that cannot enqueue falls back to closing the resource immediately
	// rather than blocking the caller (spec §4.3.4).
	ReleaseQueueSize int
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = c.MaxConnections
	}
	if c.IdleCleanupInterval <= 0 {
		c.IdleCleanupInterval = 30 * time.Second
	}
	if c.RecencyThreshold <= 0 {
		c.RecencyThreshold = 5 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 2 * time.Second
	}
	if c.ReleaseQueueSize <= 0 {
		c.ReleaseQueueSize = 64
	}
	return c
}

// Stats is a point-in-time snapshot for metrics export (spec §4.3.7,
// wired to the otel/prometheus ambient stack by the caller).
type Stats struct {
	Outstanding int
	Idle        int
	MaxOpen     int
}

type idleEntry[T Resource] struct {
	resource   T
	lastIdleAt time.Time
	createdAt  time.Time
}

// Conn is a handle to a checked-out resource. Callers MUST call Release
// exactly once; Go has no destructors, so unlike the reference-counted
// "last drop" semantics described in spec §4.3.6 for the pool itself, a
// leaked Conn simply leaks its permit until the process exits. This is
// the same contract the teacher's io.Closer-shaped adapters already use
// (see internal/adapter/outbound/mcp/http_client.go's Close).
type Conn[T Resource] struct {
	pool      *Pool[T]
	resource  T
	createdAt time.Time
	released  atomic.Bool
}

// Resource returns the checked-out value.
func (c *Conn[T]) Resource() T {
	return c.resource
}

// Release returns the resource to the pool. Calling it more than once is
// a no-op.
func (c *Conn[T]) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.release(c.resource, c.createdAt)
}

// Discard closes the resource outright instead of returning it to the
// pool, for callers that know the connection is unusable (e.g. a
// transport detected a protocol-level desync). The permit is released as
// part of the close.
func (c *Conn[T]) Discard() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.discard(c.resource)
}

// Pool is the bounded pool itself. Use New to construct one; the zero
// value is not usable.
type Pool[T Resource] struct {
	cfg     Config
	factory Factory[T]
	hooks   Hooks[T]
	logger  *slog.Logger

	sem chan struct{}

	mu     sync.Mutex
	idle   []idleEntry[T] // LIFO: append/pop from the tail
	closed bool

	releaseQueue chan T
	closeCh      chan struct{}
	wg           sync.WaitGroup

	// refs implements the "reference-counted pool handle" from spec
	// §4.3.6: the pool does not actually shut down its resources until the
	// last outstanding handle (acquired via Retain) is Released. The
	// constructor itself holds the first reference.
	refs atomic.Int64
}

// New constructs a pool. factory is used whenever no healthy idle
// resource is available for Acquire.
func New[T Resource](cfg Config, factory Factory[T], hooks Hooks[T], logger *slog.Logger) *Pool[T] {
	cfg = cfg.withDefaults()
	p := &Pool[T]{
		cfg:          cfg,
		factory:      factory,
		hooks:        hooks,
		logger:       logger,
		sem:          make(chan struct{}, cfg.MaxConnections),
		releaseQueue: make(chan T, cfg.ReleaseQueueSize),
		closeCh:      make(chan struct{}),
	}
	p.refs.Store(1)
	p.wg.Add(2)
	go p.releaseWorker()
	go p.maintenanceLoop()
	return p
}

// Retain bumps the pool's reference count and returns the same pool,
// mirroring spec §4.3.6's reference-counted inner handle: every holder
// (e.g. the reverse proxy's per-upstream pool table and a background
// metrics exporter) should Retain its own reference and Release it on
// teardown, so the pool only actually closes once nobody still needs it.
func (p *Pool[T]) Retain() *Pool[T] {
	p.refs.Add(1)
	return p
}

// Release drops one reference; the pool and all its resources are closed
// only when the count reaches zero (the "last strong ref" gate).
func (p *Pool[T]) Release() {
	if p.refs.Add(-1) > 0 {
		return
	}
	p.shutdown()
}

// Acquire returns a checked-out resource, reusing a healthy idle one when
// available and otherwise calling factory. It respects ctx and
// Config.AcquireTimeout, whichever is shorter.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); !ok || deadline.Before(d) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for {
		if p.isClosed() {
			return nil, ErrPoolClosed
		}

		// Fast path: an idle resource already owns a permit (acquired when
		// it was created), so reusing it does not touch the semaphore again
		// — only brand-new resources consume a fresh permit. See DESIGN.md
		// for why this diverges from a literal "always wait on a permit
		// first" reading.
		if entry, ok := p.popIdle(); ok {
			if p.validateForReuse(ctx, entry) {
				if p.hooks.BeforeAcquire != nil && !p.hooks.BeforeAcquire(ctx, entry.resource) {
					p.closeAndFree(entry.resource)
					continue
				}
				return &Conn[T]{pool: p, resource: entry.resource, createdAt: entry.createdAt}, nil
			}
			p.closeAndFree(entry.resource)
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrAcquireTimeout
			}
			return nil, ctx.Err()
		case <-p.closeCh:
			return nil, ErrPoolClosed
		}

		resource, err := p.factory(ctx)
		if err != nil {
			<-p.sem // give back the permit we failed to use
			return nil, fmt.Errorf("pool: factory: %w", err)
		}
		if p.hooks.AfterCreate != nil {
			if err := p.hooks.AfterCreate(ctx, resource); err != nil {
				_ = resource.Close()
				<-p.sem
				return nil, fmt.Errorf("pool: after_create hook: %w", err)
			}
		}
		if p.hooks.BeforeAcquire != nil && !p.hooks.BeforeAcquire(ctx, resource) {
			_ = resource.Close()
			<-p.sem
			continue
		}
		return &Conn[T]{pool: p, resource: resource, createdAt: time.Now()}, nil
	}
}

// validateForReuse applies the recency fast path: an idle resource
// touched within RecencyThreshold skips the (possibly blocking) health
// check entirely.
func (p *Pool[T]) validateForReuse(ctx context.Context, entry idleEntry[T]) bool {
	if time.Since(entry.lastIdleAt) < p.cfg.RecencyThreshold {
		return true
	}
	if !entry.resource.IsLikelyHealthy() {
		return false
	}
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
	defer cancel()
	return entry.resource.IsHealthy(hctx)
}

func (p *Pool[T]) popIdle() (idleEntry[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return idleEntry[T]{}, false
	}
	last := len(p.idle) - 1
	entry := p.idle[last]
	p.idle = p.idle[:last]
	return entry, true
}

// closeAndFree closes a resource that was popped from idle but failed
// validation, releasing the permit it had been holding since creation.
func (p *Pool[T]) closeAndFree(r T) {
	_ = r.Close()
	<-p.sem
}

// release implements the bounded release path from spec §4.3.4: a
// synchronous fast path when the resource looks healthy and no
// after-release hook is configured, otherwise a bounded async path so a
// slow check never blocks the caller.
func (p *Pool[T]) release(r T, createdAt time.Time) {
	if p.isClosed() {
		p.closeAndFree(r)
		return
	}
	if p.cfg.MaxLifetime > 0 && time.Since(createdAt) >= p.cfg.MaxLifetime {
		p.closeAndFree(r)
		return
	}
	if p.hooks.AfterRelease == nil && r.IsLikelyHealthy() {
		if p.pushIdle(r, createdAt) {
			return
		}
		// Idle deque is at MaxIdle; no room, close it.
		p.closeAndFree(r)
		return
	}

	select {
	case p.releaseQueue <- r:
	default:
		// Async queue is saturated; fail safe by closing rather than
		// blocking the proxy's hot path (spec §4.3.4).
		p.closeAndFree(r)
	}
}

// discard always closes, bypassing any reuse/hook path.
func (p *Pool[T]) discard(r T) {
	p.closeAndFree(r)
}

func (p *Pool[T]) pushIdle(r T, createdAt time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) >= p.cfg.MaxIdle {
		return false
	}
	p.idle = append(p.idle, idleEntry[T]{resource: r, lastIdleAt: time.Now(), createdAt: createdAt})
	return true
}

// releaseWorker drains the bounded async release queue: it runs the
// after-release hook (if any), re-checks health, and either requeues the
// resource to idle or closes it. A single worker keeps releases
// serialized and cheap; if that becomes a bottleneck under load the
// queue depth itself (exported via Stats) is the signal to widen it.
func (p *Pool[T]) releaseWorker() {
	defer p.wg.Done()
	for {
		select {
		case r, ok := <-p.releaseQueue:
			if !ok {
				return
			}
			p.processAsyncRelease(r)
		case <-p.closeCh:
			// Drain whatever is already queued before exiting so permits
			// aren't leaked, then stop.
			for {
				select {
				case r := <-p.releaseQueue:
					p.closeAndFree(r)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) processAsyncRelease(r T) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()

	if p.hooks.AfterRelease != nil {
		p.hooks.AfterRelease(ctx, r)
	}
	if p.isClosed() || !r.IsHealthy(ctx) {
		p.closeAndFree(r)
		return
	}
	if !p.pushIdle(r, time.Now()) {
		p.closeAndFree(r)
	}
}

// maintenanceLoop periodically evicts idle resources past MaxLifetime and
// logs pool pressure, per spec §4.3.5.
func (p *Pool[T]) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.closeCh:
			return
		}
	}
}

func (p *Pool[T]) evictExpired() {
	if p.cfg.MaxLifetime <= 0 {
		return
	}
	now := time.Now()

	p.mu.Lock()
	kept := p.idle[:0]
	var expired []T
	for _, entry := range p.idle {
		if now.Sub(entry.createdAt) >= p.cfg.MaxLifetime {
			expired = append(expired, entry.resource)
			continue
		}
		kept = append(kept, entry)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, r := range expired {
		p.closeAndFree(r)
	}
	if len(expired) > 0 && p.logger != nil {
		p.logger.Debug("pool: evicted expired idle resources", "count", len(expired))
	}
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// shutdown closes every idle resource and stops the background workers.
// Outstanding (checked-out) resources are closed as they are Released,
// since release() checks isClosed() first.
func (p *Pool[T]) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.closeCh)
	p.wg.Wait()

	for _, entry := range idle {
		p.closeAndFree(entry.resource)
	}
}

// Stats returns a point-in-time snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	idleCount := len(p.idle)
	p.mu.Unlock()
	return Stats{
		Outstanding: len(p.sem) - idleCount,
		Idle:        idleCount,
		MaxOpen:     p.cfg.MaxConnections,
	}
}
