package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
	"github.com/google/uuid"
)

// StdioIncoming is the stdio family's IncomingTransport: the proxy process's
// own stdin/stdout is the one and only client connection, mirroring the
// teacher's internal/adapter/inbound/stdio.StdioTransport (one session per
// process, no listener socket). Accept yields exactly one Session and then
// closes its channel.
type StdioIncoming struct {
	in  io.Reader
	out io.Writer

	mu       sync.Mutex
	started  bool
	closed   bool
	sessions chan *Session
}

// NewStdioIncoming builds a stdio incoming transport over the given reader
// and writer. Production callers pass os.Stdin/os.Stdout; tests pass pipes.
func NewStdioIncoming(in io.Reader, out io.Writer) *StdioIncoming {
	return &StdioIncoming{in: in, out: out, sessions: make(chan *Session, 1)}
}

// Listen is a no-op for stdio: there is nothing to bind, the pipes already
// exist. It exists to satisfy IncomingTransport uniformly with the HTTP
// family.
func (t *StdioIncoming) Listen(ctx context.Context) error {
	return nil
}

// Accept produces the single stdio session, framed as newline-delimited
// JSON-RPC messages per spec §4.1, then closes the channel: a stdio
// transport never accepts a second connection.
func (t *StdioIncoming) Accept(ctx context.Context) (<-chan *Session, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: stdio incoming already accepted a session")
	}
	t.started = true
	t.mu.Unlock()

	sessionID := uuid.NewString()
	inbound := make(chan *mcp.Envelope, 16)
	outbound := make(chan *mcp.Envelope, 16)
	done := make(chan struct{})

	sess := &Session{ID: sessionID, Inbound: inbound, Outbound: outbound, Done: done}

	go t.readLoop(ctx, sessionID, inbound, done)
	go t.writeLoop(ctx, outbound)

	t.sessions <- sess
	close(t.sessions)
	return t.sessions, nil
}

func (t *StdioIncoming) readLoop(ctx context.Context, sessionID string, inbound chan<- *mcp.Envelope, done chan struct{}) {
	defer close(inbound)
	defer close(done)

	scanner := newFramingScanner(t.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		raw := append([]byte(nil), scanner.Bytes()...)
		if len(raw) == 0 {
			continue
		}
		if batchErr := mcp.RejectBatch(raw); batchErr != nil {
			continue
		}
		msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
		if err != nil {
			continue
		}
		env := mcp.NewEnvelope(msg, sessionID, mcp.ClientToServer, mcp.TransportContext{Kind: mcp.TransportStdio})
		select {
		case inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (t *StdioIncoming) writeLoop(ctx context.Context, outbound <-chan *mcp.Envelope) {
	for {
		select {
		case env, ok := <-outbound:
			if !ok {
				return
			}
			writeFrame(t.out, env)
		case <-ctx.Done():
			return
		}
	}
}

// Close releases no resources of its own (the underlying stdin/stdout
// belong to the process), but marks the transport closed so a second
// Accept call fails cleanly.
func (t *StdioIncoming) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// writeFrame serializes an envelope's message back to newline-delimited
// JSON, falling back to the raw bytes already attached when present (the
// passthrough path, matching proxy_service.go's copyMessages behavior of
// re-emitting msg.Raw verbatim).
func writeFrame(w io.Writer, env *mcp.Envelope) {
	var raw []byte
	if env.Message != nil && env.Message.Raw != nil {
		raw = env.Message.Raw
	} else if len(env.Raw.Bytes()) > 0 {
		raw = env.Raw.Bytes()
	}
	if raw == nil {
		return
	}
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n"))
}

// newFramingScanner builds a bufio.Scanner sized for MCP's larger JSON-RPC
// payloads (tool results can be sizeable), matching the 1MB ceiling
// proxy_service.go's copyMessages already uses.
func newFramingScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1<<20)
	return scanner
}

// StdioOutgoing is the stdio family's OutgoingTransport: it spawns an
// upstream MCP server as a subprocess and speaks newline-delimited JSON-RPC
// over its stdin/stdout, grounded on the teacher's
// internal/adapter/outbound/mcp.StdioClient lifecycle (Start/Wait/Close),
// generalized to satisfy pool.Resource and the envelope-based
// SendRequest/ReceiveResponse vocabulary.
type StdioOutgoing struct {
	command string
	args    []string
	env     []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	stdout  io.ReadCloser

	// exited is flipped by the goroutine that blocks on cmd.Wait(), per the
	// spec's mandatory rule: a pooled stdio resource MUST detect child exit
	// promptly so the pool never hands out a dead connection.
	exited int32
}

// NewStdioOutgoing builds an outgoing transport that will spawn command
// with args on Connect, inheriting the proxy's own environment plus any
// extra entries in env.
func NewStdioOutgoing(command string, args []string, env []string) *StdioOutgoing {
	return &StdioOutgoing{command: command, args: args, env: env}
}

// Connect starts the subprocess and wires its stdio pipes.
func (t *StdioOutgoing) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return fmt.Errorf("transport: stdio outgoing already connected")
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transport: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transport: start upstream %q: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.scanner = newFramingScanner(stdout)
	atomic.StoreInt32(&t.exited, 0)

	go func() {
		_ = cmd.Wait()
		atomic.StoreInt32(&t.exited, 1)
	}()

	return nil
}

// SendRequest writes one JSON-RPC frame to the subprocess's stdin.
func (t *StdioOutgoing) SendRequest(ctx context.Context, env *mcp.Envelope) error {
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()

	if stdin == nil {
		return ErrNotConnected
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	var raw []byte
	if env.Message != nil {
		raw = env.Message.Raw
	}
	if raw == nil {
		return fmt.Errorf("transport: stdio outgoing: envelope has no raw bytes to send")
	}
	if _, err := stdin.Write(raw); err != nil {
		return fmt.Errorf("transport: write to upstream: %w", err)
	}
	if _, err := stdin.Write([]byte("\n")); err != nil {
		return fmt.Errorf("transport: write newline to upstream: %w", err)
	}
	return nil
}

// ReceiveResponse blocks for the next newline-delimited frame from the
// subprocess's stdout, returning ErrNotConnected once the stream has ended
// (the mandatory EOF-detection rule: a scanner reaching EOF means the
// child's stdout closed, which for a well-behaved MCP server means it
// exited or is exiting).
func (t *StdioOutgoing) ReceiveResponse(ctx context.Context) (*mcp.Envelope, error) {
	t.mu.Lock()
	scanner := t.scanner
	t.mu.Unlock()

	if scanner == nil {
		return nil, ErrNotConnected
	}

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("transport: read from upstream: %w", err)
		}
		return nil, ErrNotConnected
	}

	raw := append([]byte(nil), scanner.Bytes()...)
	msg, err := mcp.WrapMessage(raw, mcp.ServerToClient)
	if err != nil {
		msg = &mcp.Message{Raw: raw, Direction: mcp.ServerToClient}
	}
	env := mcp.NewEnvelope(msg, "", mcp.ServerToClient, mcp.TransportContext{Kind: mcp.TransportStdio, ProcessID: t.pid(), Command: t.command})
	return env, nil
}

func (t *StdioOutgoing) pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// IsConnected reports whether the subprocess is still alive. This is the
// correctness-critical check the spec calls out: it MUST observe child
// exit (via the Wait goroutine's atomic flag) rather than only checking
// whether Connect was ever called, or a pool could hand out a resource
// whose process has already died.
func (t *StdioOutgoing) IsConnected() bool {
	t.mu.Lock()
	started := t.cmd != nil
	t.mu.Unlock()
	return started && atomic.LoadInt32(&t.exited) == 0
}

// IsLikelyHealthy is the cheap synchronous check the pool's release fast
// path uses: process-alive only, no round trip.
func (t *StdioOutgoing) IsLikelyHealthy() bool {
	return t.IsConnected()
}

// IsHealthy additionally requires the process to still be connected; a
// stdio upstream has no separate liveness probe beyond "is it running",
// so this intentionally degrades to IsConnected rather than sending a
// synthetic ping that could desynchronize the response stream.
func (t *StdioOutgoing) IsHealthy(ctx context.Context) bool {
	return t.IsConnected()
}

// Close terminates the subprocess and releases its pipes, matching the
// teacher's StdioClient.Close (kill, ignore os.ErrProcessDone, join
// cleanup errors).
func (t *StdioOutgoing) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResourceID identifies this outgoing connection for pool metrics/logging.
func (t *StdioOutgoing) ResourceID() string {
	return fmt.Sprintf("stdio:%s:%d", t.command, t.pid())
}
