// Package interceptor implements the Decision-based ordered interceptor
// chain described in spec §4.5: a sequence of named stages evaluated over
// an Envelope, each returning Allow/Modify/Block/Delay/Fork/Pause, with a
// per-stage evaluation timeout and a copy-on-write atomic snapshot so
// stages can be registered or unregistered without blocking in-flight
// evaluations.
package interceptor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/proxy"
	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
)

// Kind is the outcome of one interceptor's evaluation (spec §4.5).
type Kind int

const (
	// Allow forwards the envelope unchanged to the next stage.
	Allow Kind = iota
	// Modify replaces the envelope with Decision.Envelope before the next
	// stage runs.
	Modify
	// Block halts the chain; the envelope is never forwarded.
	Block
	// Delay asks the caller to hold the envelope for Decision.Delay before
	// continuing to the next stage.
	Delay
	// Fork asks the caller to additionally process Decision.Forks as
	// independent envelopes (e.g. mirroring a tool call to an audit
	// upstream), alongside forwarding the original.
	Fork
	// Pause halts the chain without rejecting the envelope: a later event
	// (human approval, async policy fetch) must resume it. The chain itself
	// does not implement resumption; it only reports that one occurred.
	Pause
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Modify:
		return "modify"
	case Block:
		return "block"
	case Delay:
		return "delay"
	case Fork:
		return "fork"
	case Pause:
		return "pause"
	default:
		return "unknown"
	}
}

// Decision is what a single Interceptor stage returns for one Envelope.
type Decision struct {
	Kind     Kind
	Envelope *mcp.Envelope   // populated for Modify
	Delay    time.Duration   // populated for Delay
	Forks    []*mcp.Envelope // populated for Fork
	Reason   string          // populated for Block/Pause, safe to surface to a client
}

// allowDecision is the zero-allocation fast path for stages that approve
// an envelope unchanged.
var allowDecision = Decision{Kind: Allow}

// Interceptor is one named stage in the chain.
type Interceptor interface {
	Name() string
	Evaluate(ctx context.Context, env *mcp.Envelope) (Decision, error)
}

// InterceptorFunc adapts a plain function to the Interceptor interface.
type InterceptorFunc struct {
	FuncName string
	Fn       func(ctx context.Context, env *mcp.Envelope) (Decision, error)
}

func (f InterceptorFunc) Name() string { return f.FuncName }
func (f InterceptorFunc) Evaluate(ctx context.Context, env *mcp.Envelope) (Decision, error) {
	return f.Fn(ctx, env)
}

// defaultEvaluationTimeout is the spec's default per-interceptor budget
// (spec §4.5: "default 50ms; a stage that exceeds it is treated as Block").
const defaultEvaluationTimeout = 50 * time.Millisecond

// Counters holds atomic, non-blocking decision counts for metrics (spec
// §8.1 invariant 6: interceptor-chain counters must never block the hot
// path).
type Counters struct {
	Allowed int64
	Modified int64
	Blocked  int64
	Delayed  int64
	Forked   int64
	Paused   int64
	TimedOut int64
}

// Chain runs an ordered list of Interceptor stages over an Envelope. The
// stage list is stored behind an atomic.Pointer so Register/Unregister
// never blocks or races with a concurrent Evaluate, mirroring the
// copy-on-write idiom the teacher's httpgw.ReverseProxy uses for its
// target list (internal/adapter/inbound/httpgw/reverse_proxy.go's
// atomic.Pointer[[]UpstreamTarget]).
type Chain struct {
	stages atomic.Pointer[[]Interceptor]

	evalTimeout time.Duration
	logger      *slog.Logger

	mu sync.Mutex // serializes Register/Unregister read-modify-write cycles

	allowed, modified, blocked, delayed, forked, paused, timedOut int64
}

// Option configures a Chain at construction time.
type Option func(*Chain)

// WithEvaluationTimeout overrides the per-stage evaluation budget.
func WithEvaluationTimeout(d time.Duration) Option {
	return func(c *Chain) { c.evalTimeout = d }
}

// NewChain builds a Chain with the given initial stages, evaluated in
// order.
func NewChain(logger *slog.Logger, opts ...Option) *Chain {
	c := &Chain{evalTimeout: defaultEvaluationTimeout, logger: logger}
	empty := make([]Interceptor, 0)
	c.stages.Store(&empty)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register appends a stage to the end of the chain.
func (c *Chain) Register(stage Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.stages.Load()
	next := make([]Interceptor, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, stage)
	c.stages.Store(&next)
}

// Unregister removes the first stage with the given name, if present.
func (c *Chain) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.stages.Load()
	next := make([]Interceptor, 0, len(cur))
	removed := false
	for _, s := range cur {
		if !removed && s.Name() == name {
			removed = true
			continue
		}
		next = append(next, s)
	}
	if removed {
		c.stages.Store(&next)
	}
	return removed
}

// Stages returns a snapshot of the current stage names, in order.
func (c *Chain) Stages() []string {
	cur := *c.stages.Load()
	names := make([]string, len(cur))
	for i, s := range cur {
		names[i] = s.Name()
	}
	return names
}

// Result is the outcome of running the full chain over one Envelope.
type Result struct {
	Envelope *mcp.Envelope
	Decision Decision
	Forks    []*mcp.Envelope
}

// Evaluate runs every stage in order. A Block, Pause, or error stops the
// chain immediately. A Modify replaces the envelope seen by subsequent
// stages. A Delay or Fork is accumulated into Result but does not stop
// evaluation (a delayed envelope still has to clear the remaining stages;
// a forked envelope still has to be forwarded itself).
func (c *Chain) Evaluate(ctx context.Context, env *mcp.Envelope) (Result, error) {
	stages := *c.stages.Load()
	result := Result{Envelope: env, Decision: allowDecision}

	for _, stage := range stages {
		stageCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
		decision, err := stage.Evaluate(stageCtx, result.Envelope)
		timedOut := stageCtx.Err() == context.DeadlineExceeded
		cancel()

		if timedOut {
			atomic.AddInt64(&c.timedOut, 1)
			atomic.AddInt64(&c.blocked, 1)
			if c.logger != nil {
				c.logger.Warn("interceptor stage timed out, treating as block", "stage", stage.Name())
			}
			return Result{Envelope: result.Envelope, Decision: Decision{Kind: Block, Reason: "interceptor timed out"}}, nil
		}
		if err != nil {
			return Result{}, err
		}

		switch decision.Kind {
		case Allow:
			atomic.AddInt64(&c.allowed, 1)
		case Modify:
			atomic.AddInt64(&c.modified, 1)
			if decision.Envelope != nil {
				result.Envelope = decision.Envelope
			}
		case Block:
			atomic.AddInt64(&c.blocked, 1)
			result.Decision = decision
			return result, nil
		case Delay:
			atomic.AddInt64(&c.delayed, 1)
			result.Decision = decision
		case Fork:
			atomic.AddInt64(&c.forked, 1)
			result.Forks = append(result.Forks, decision.Forks...)
		case Pause:
			atomic.AddInt64(&c.paused, 1)
			result.Decision = decision
			return result, nil
		}
	}

	return result, nil
}

// Counts returns a point-in-time snapshot of the chain's decision
// counters.
func (c *Chain) Counts() Counters {
	return Counters{
		Allowed:  atomic.LoadInt64(&c.allowed),
		Modified: atomic.LoadInt64(&c.modified),
		Blocked:  atomic.LoadInt64(&c.blocked),
		Delayed:  atomic.LoadInt64(&c.delayed),
		Forked:   atomic.LoadInt64(&c.forked),
		Paused:   atomic.LoadInt64(&c.paused),
		TimedOut: atomic.LoadInt64(&c.timedOut),
	}
}

// LegacyStage wraps one of the teacher's existing proxy.MessageInterceptor
// implementations (the auth/policy/ratelimit/quarantine/audit chain built
// in cmd/sentinel-gate/cmd/start.go) as a single Decision-based stage,
// mirroring internal/domain/action.LegacyAdapter's
// Envelope<->mcp.Message conversion but targeting this package's
// Interceptor interface instead of action.ActionInterceptor.
type LegacyStage struct {
	name   string
	legacy proxy.MessageInterceptor
}

// NewLegacyStage wraps legacy under the given stage name.
func NewLegacyStage(name string, legacy proxy.MessageInterceptor) *LegacyStage {
	return &LegacyStage{name: name, legacy: legacy}
}

func (s *LegacyStage) Name() string { return s.name }

// Evaluate delegates to the wrapped legacy interceptor. A nil error with a
// message whose Direction flipped to ServerToClient (the upstream-router
// pattern of answering directly from a cache) is surfaced as a Modify so
// the forward/reverse proxy loop knows to reply to the client instead of
// forwarding upstream. An error is surfaced as Block, matching
// proxy_service.go's existing SafeErrorMessage boundary.
func (s *LegacyStage) Evaluate(ctx context.Context, env *mcp.Envelope) (Decision, error) {
	result, err := s.legacy.Intercept(ctx, env.Message)
	if err != nil {
		return Decision{Kind: Block, Reason: proxy.SafeErrorMessage(err)}, nil
	}
	if result == nil {
		return Decision{Kind: Block, Reason: "interceptor dropped the message"}, nil
	}
	if result == env.Message {
		return allowDecision, nil
	}
	next := *env
	next.Message = result
	if result.Direction != env.Message.Direction {
		next.Context.Direction = result.Direction
	}
	return Decision{Kind: Modify, Envelope: &next}, nil
}

var _ Interceptor = (*LegacyStage)(nil)
