// Package cmd provides the CLI commands for Sentinel Gate.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Sentinelgate/internal/config"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/interceptor"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/mcpsession"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/pool"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/proxy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/recorder"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/session"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/transport"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy [-- command [args...]]",
	Short: "Run the core MCP proxy runtime (forward or reverse mode)",
	Long: `Run the core MCP proxy runtime described in the proxy spec: directional
transports, a bounded connection pool, the session manager, the
Decision-based interceptor chain, and the tape recorder, composed into
either a forward (1:1 client<->upstream) or reverse (N:M fan-out) loop.

This is a separate entry point from "start", which runs the full
OSS security proxy (auth, policy, rate limiting, admin API) atop the
legacy proxy_service.go pump. "proxy" exercises the newer core runtime
directly; configure it under the "proxy:" section of the config file.

Examples:
  # Forward mode, HTTP client-facing, HTTP upstream (see proxy.* in config)
  sentinel-gate proxy

  # Forward mode, stdio client-facing, spawning the upstream as a subprocess
  sentinel-gate proxy -- npx @modelcontextprotocol/server-filesystem /tmp

  # Reverse mode: fan out across proxy.upstreams in the config file
  sentinel-gate --config reverse.yaml proxy`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	stdioTransport := len(args) > 0
	if len(args) > 0 {
		cfg.Upstream.Command = args[0]
		if len(args) > 1 {
			cfg.Upstream.Args = args[1:]
		} else {
			cfg.Upstream.Args = nil
		}
	}

	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	switch strings.ToLower(cfg.Proxy.Mode) {
	case "reverse":
		return runReverseProxy(ctx, cfg, stdioTransport, logger)
	default:
		return runForwardProxy(ctx, cfg, stdioTransport, logger)
	}
}

// runForwardProxy wires a single pooled upstream into service.ForwardProxy
// (spec §4.7): one incoming client connection pumped against one pooled
// outgoing connection, through the interceptor chain and optional
// recorder.
func runForwardProxy(ctx context.Context, cfg *config.OSSConfig, stdioTransport bool, logger *slog.Logger) error {
	sessions := mcpsession.NewManager(mcpsession.Config{}, nil, logger)
	chain, stopChain, err := buildChain(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopChain()
	rec, closeRec, err := buildRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRec()

	factory, err := upstreamFactory(cfg.Upstream.HTTP, cfg.Upstream.Command, cfg.Upstream.Args)
	if err != nil {
		return err
	}

	p := pool.New[transport.OutgoingTransport](poolConfigFrom(cfg.Proxy.Pool), factory, pool.Hooks[transport.OutgoingTransport]{}, logger)
	defer p.Release()

	incoming, transportType := incomingTransport(cfg, stdioTransport, logger)

	fp := service.NewForwardProxy(incoming, p, sessions, chain, rec, transportType, logger)
	logger.Info("forward proxy starting",
		"mode", "forward",
		"stdio_incoming", stdioTransport,
		"listen_addr", cfg.Proxy.ListenAddr,
		"upstream_http", cfg.Upstream.HTTP,
		"upstream_command", cfg.Upstream.Command,
	)
	return fp.Run(ctx)
}

// runReverseProxy wires one pool per configured upstream into
// service.ReverseProxy (spec §4.8): many concurrent client sessions
// fanned out by a Selector across those pools, with per-upstream circuit
// breaking. The incoming side is always HTTP since N:M fan-out requires
// concurrent client connections, which stdio (one session per process)
// cannot provide.
func runReverseProxy(ctx context.Context, cfg *config.OSSConfig, stdioTransport bool, logger *slog.Logger) error {
	if stdioTransport {
		return fmt.Errorf("proxy: reverse mode does not support a stdio-spawned upstream via trailing args; configure proxy.upstreams instead")
	}
	if len(cfg.Proxy.Upstreams) == 0 {
		return fmt.Errorf("proxy: reverse mode requires at least one entry under proxy.upstreams")
	}

	breakerCooldown, err := time.ParseDuration(cfg.Proxy.BreakerCooldown)
	if err != nil {
		breakerCooldown = 30 * time.Second
	}

	targets := make([]*service.UpstreamTarget, 0, len(cfg.Proxy.Upstreams))
	for _, u := range cfg.Proxy.Upstreams {
		factory, err := upstreamFactory(u.HTTP, u.Command, u.Args)
		if err != nil {
			return fmt.Errorf("proxy: upstream %q: %w", u.ID, err)
		}
		p := pool.New[transport.OutgoingTransport](poolConfigFrom(cfg.Proxy.Pool), factory, pool.Hooks[transport.OutgoingTransport]{}, logger)
		targets = append(targets, service.NewUpstreamTarget(u.ID, p, cfg.Proxy.BreakerThreshold, breakerCooldown))
	}
	defer func() {
		for _, t := range targets {
			t.Pool.Release()
		}
	}()

	selector := service.NewSelector(selectorStrategyFrom(cfg.Proxy.Selector), targets)
	sessions := mcpsession.NewManager(mcpsession.Config{}, nil, logger)
	chain, stopChain, err := buildChain(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopChain()
	rec, closeRec, err := buildRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRec()

	incoming := transport.NewHTTPIncoming(cfg.Proxy.ListenAddr, cfg.Proxy.Path, logger)

	rp := service.NewReverseProxy(incoming, selector, sessions, chain, rec, logger)
	logger.Info("reverse proxy starting",
		"mode", "reverse",
		"listen_addr", cfg.Proxy.ListenAddr,
		"upstreams", len(targets),
		"selector", cfg.Proxy.Selector,
	)
	return rp.Run(ctx)
}

// buildChain constructs the Decision-based interceptor chain (spec §4.5)
// and, ahead of it, wires the three external collaborators spec §6.4 names
// at this hook point: Auth, Rate limiter, and the CEL-backed Rules/policy
// engine. All three are built from in-memory stores seeded directly from
// config (seedAuthFromConfig, seedPoliciesFromConfig, both shared with
// "start") rather than from the admin-API's state.json-backed stores,
// since the "proxy" entry point has no admin API: config is the only
// identity/policy source here.
//
// The legacy auth->ratelimit->policy graph is built exactly as start.go
// builds it (same constructors, same wrapping order: Validation outermost,
// optional IP rate limit, Auth, optional per-user rate limit, Policy, a
// Passthrough base) and bridged into the chain as one interceptor.NewLegacyStage,
// so it participates in Evaluate's Allow/Modify/Block semantics like any
// other stage. What start.go additionally wires at this point — audit
// logging, HITL approval, outbound URL control, response scanning, tool
// quarantine — is admin-API/state.json scoped (spec §1 places admin
// endpoints and their persisted state out of core scope) and is not
// duplicated here; it stays reachable through "start", the entry point
// that owns that state.
func buildChain(ctx context.Context, cfg *config.OSSConfig, logger *slog.Logger) (*interceptor.Chain, func(), error) {
	evalTimeout, err := time.ParseDuration(cfg.Proxy.EvaluationTimeout)
	if err != nil || evalTimeout <= 0 {
		evalTimeout = 50 * time.Millisecond
	}
	chain := interceptor.NewChain(logger, interceptor.WithEvaluationTimeout(evalTimeout))

	legacy, stop, err := buildLegacyStage(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	chain.Register(legacy)

	return chain, stop, nil
}

// buildLegacyStage assembles the Auth/RateLimit/Policy collaborator graph
// (spec §6.4) from config-seeded in-memory stores and returns it wrapped
// as a single interceptor.Interceptor, plus a cleanup func that stops the
// two background cleanup goroutines (auth session-cache reaper, rate
// limiter bucket reaper) this graph starts.
func buildLegacyStage(ctx context.Context, cfg *config.OSSConfig, logger *slog.Logger) (interceptor.Interceptor, func(), error) {
	authStore := memory.NewAuthStore()
	if err := seedAuthFromConfig(cfg, authStore); err != nil {
		return nil, nil, fmt.Errorf("proxy: seed auth store: %w", err)
	}
	apiKeyService := auth.NewAPIKeyService(authStore)

	sessionTimeout := parseDurationOr(cfg.Server.SessionTimeout, 30*time.Minute)
	sessionService := session.NewSessionService(memory.NewSessionStore(), session.Config{Timeout: sessionTimeout})

	policyStore := memory.NewPolicyStore()
	if err := seedPoliciesFromConfig(cfg, policyStore); err != nil {
		return nil, nil, fmt.Errorf("proxy: seed policy store: %w", err)
	}
	policyService, err := service.NewPolicyService(ctx, policyStore, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("proxy: create policy service: %w", err)
	}

	var chainHead proxy.MessageInterceptor = proxy.NewPolicyInterceptor(
		policyService, proxy.NewPassthroughInterceptor(), logger,
	)

	var rateLimiter *memory.MemoryRateLimiter
	var ipConfig, userConfig ratelimit.RateLimitConfig
	if cfg.RateLimit.Enabled {
		cleanupInterval := parseDurationOr(cfg.RateLimit.CleanupInterval, 5*time.Minute)
		maxTTL := parseDurationOr(cfg.RateLimit.MaxTTL, time.Hour)
		rateLimiter = memory.NewRateLimiterWithConfig(cleanupInterval, maxTTL)

		ipConfig = ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate, Period: time.Minute}
		userConfig = ratelimit.RateLimitConfig{Rate: cfg.RateLimit.UserRate, Burst: cfg.RateLimit.UserRate, Period: time.Minute}

		chainHead = proxy.NewUserRateLimitInterceptor(rateLimiter, userConfig, chainHead, logger)
	} else {
		rateLimiter = memory.NewRateLimiter()
	}
	rateLimiter.StartCleanup(ctx)

	authInterceptor := proxy.NewAuthInterceptor(apiKeyService, sessionService, chainHead, logger, cfg.DevMode)
	authInterceptor.StartCleanup(ctx)
	chainHead = authInterceptor

	if cfg.RateLimit.Enabled {
		chainHead = proxy.NewIPRateLimitInterceptor(rateLimiter, ipConfig, chainHead, logger)
	}

	validationInterceptor := proxy.NewValidationInterceptor(chainHead, logger)

	stop := func() {
		authInterceptor.Stop()
		rateLimiter.Stop()
	}
	return interceptor.NewLegacyStage("legacy-auth-ratelimit-policy", validationInterceptor), stop, nil
}

// buildRecorder constructs the tape recorder (spec §4.6) from
// cfg.Proxy.Recorder.Tape. A ".db" or ".sqlite" suffix selects the
// queryable SQLite tape writer; anything else falls back to the flat
// JSON Lines file writer. An empty path disables recording (nil
// Recorder, which RecordFrame treats as a no-op).
func buildRecorder(cfg *config.OSSConfig, logger *slog.Logger) (rec *recorder.Recorder, closeFn func(), err error) {
	tape := cfg.Proxy.Recorder.Tape
	if tape == "" {
		return nil, func() {}, nil
	}

	var writer recorder.TapeWriter
	switch {
	case strings.HasSuffix(tape, ".db"), strings.HasSuffix(tape, ".sqlite"):
		w, err := recorder.NewSQLiteTapeWriter(tape)
		if err != nil {
			return nil, nil, fmt.Errorf("proxy: open sqlite tape: %w", err)
		}
		writer = w
		closeFn = func() { _ = w.Close() }
	default:
		w, err := recorder.NewFileTapeWriter(tape)
		if err != nil {
			return nil, nil, fmt.Errorf("proxy: open tape file: %w", err)
		}
		writer = w
		closeFn = func() { _ = w.Close() }
	}

	rec = recorder.NewRecorder(writer, logger)
	return rec, func() {
		rec.Stop()
		closeFn()
	}, nil
}

// poolConfigFrom translates the YAML-facing config.PoolConfig into
// pool.Config, parsing durations and falling back to pool.Config's own
// zero-value defaults (withDefaults) on a parse failure.
func poolConfigFrom(c config.PoolConfig) pool.Config {
	return pool.Config{
		MaxConnections:      c.MaxConnections,
		AcquireTimeout:      parseDurationOr(c.AcquireTimeout, 5*time.Second),
		MaxIdle:             c.MaxIdle,
		MaxLifetime:         parseDurationOr(c.MaxLifetime, time.Hour),
		IdleCleanupInterval: parseDurationOr(c.IdleCleanupInterval, 30*time.Second),
		RecencyThreshold:    parseDurationOr(c.RecencyThreshold, 5*time.Second),
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// upstreamFactory builds a pool.Factory for an outgoing transport: an
// HTTP client when httpURL is set, otherwise a subprocess spawned from
// command/args. Mirrors defaultClientFactory's HTTP-vs-stdio branch in
// start.go, generalized to the directional transport abstraction.
func upstreamFactory(httpURL, command string, args []string) (pool.Factory[transport.OutgoingTransport], error) {
	switch {
	case httpURL != "":
		return func(ctx context.Context) (transport.OutgoingTransport, error) {
			t := transport.NewHTTPOutgoing(httpURL, nil, transport.BackoffConfig{})
			if err := t.Connect(ctx); err != nil {
				return nil, fmt.Errorf("connect upstream %s: %w", httpURL, err)
			}
			return t, nil
		}, nil
	case command != "":
		return func(ctx context.Context) (transport.OutgoingTransport, error) {
			t := transport.NewStdioOutgoing(command, args, os.Environ())
			if err := t.Connect(ctx); err != nil {
				return nil, fmt.Errorf("spawn upstream %s: %w", command, err)
			}
			return t, nil
		}, nil
	default:
		return nil, fmt.Errorf("proxy: upstream requires either an http URL or a command")
	}
}

// incomingTransport picks the client-facing transport: the process's own
// stdin/stdout when stdioTransport is set (trailing "-- command" args, same
// convention "start" uses to mean "I am the stdio server my client talks
// to"), otherwise an HTTP listener on cfg.Proxy.ListenAddr/Path.
func incomingTransport(cfg *config.OSSConfig, stdioTransport bool, logger *slog.Logger) (transport.IncomingTransport, mcpsession.TransportType) {
	if stdioTransport {
		return transport.NewStdioIncoming(os.Stdin, os.Stdout), mcpsession.TransportTypeStdio
	}
	return transport.NewHTTPIncoming(cfg.Proxy.ListenAddr, cfg.Proxy.Path, logger), mcpsession.TransportTypeHTTP
}

// selectorStrategyFrom maps the config string to service.SelectorStrategy,
// defaulting to round-robin for an unrecognized value (Validate already
// restricts this to a known oneof, so this only matters for programmatic
// OSSConfig construction that bypasses Validate).
func selectorStrategyFrom(s string) service.SelectorStrategy {
	switch strings.ToLower(s) {
	case "least_connections":
		return service.LeastConnections
	case "sticky":
		return service.StickyBySession
	default:
		return service.RoundRobin
	}
}
