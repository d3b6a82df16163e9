// Package recorder implements the append-only tape described in spec
// §6.4/§6.5: every frame that crosses the proxy can optionally be recorded
// with its raw wire bytes for bit-exact replay, independent of the session
// manager's own lightweight frame counting. Grounded on
// internal/adapter/outbound/audit/file_store.go's rotation/flush idiom
// (accumulate, flush on a threshold, log-and-drop on failure, never block
// the caller), generalized from a single append-mostly audit log to a
// per-session sharded tape with explicit back-pressure accounting.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
	"github.com/cespare/xxhash/v2"
)

// shardCount bounds how many independent FIFO writer goroutines the
// recorder runs, one per shard, so one noisy session's back-pressure never
// starves another session's tape (spec §6.4 "sharded per-session
// buffers").
const shardCount = 16

// defaultShardBuffer is how many frames a single shard queues before
// RecordFrame starts dropping, per spec §6.4's explicit back-pressure
// policy: drop and count, never block the forward/reverse proxy hot path.
const defaultShardBuffer = 256

// Frame is one recorded wire frame.
type Frame struct {
	SessionID string
	Direction mcp.Direction
	Method    string
	Timestamp time.Time
	Raw       []byte
	Checksum  uint64
}

// TapeWriter is the pluggable sink a Recorder flushes frames to (spec
// §6.5's "TapeWriter" port). Implementations must be safe for concurrent
// use from up to shardCount goroutines.
type TapeWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
	Flush(ctx context.Context) error
	Close() error
}

// TapeReader is the read-side counterpart used for replay/inspection
// tooling (spec §6.5's "TapeReader" port).
type TapeReader interface {
	ReadSession(ctx context.Context, sessionID string) ([]Frame, error)
}

type shard struct {
	frames chan Frame
}

// Recorder fans recorded frames out to a TapeWriter across shardCount
// FIFO worker goroutines, keyed by session id so frames from one session
// are always written in arrival order.
type Recorder struct {
	shards [shardCount]*shard
	writer TapeWriter
	logger *slog.Logger

	wg      sync.WaitGroup
	closeCh chan struct{}
	closed  int32

	dropped int64
	written int64
}

// NewRecorder starts shardCount writer goroutines draining into writer.
// writer may be nil, in which case RecordFrame is a no-op counter-only
// operation (recording disabled, matching the session manager's own
// nil-Store degenerate case).
func NewRecorder(writer TapeWriter, logger *slog.Logger) *Recorder {
	r := &Recorder{writer: writer, logger: logger, closeCh: make(chan struct{})}
	for i := range r.shards {
		r.shards[i] = &shard{frames: make(chan Frame, defaultShardBuffer)}
	}
	if writer != nil {
		for i := range r.shards {
			r.wg.Add(1)
			go r.drain(r.shards[i])
		}
	}
	return r
}

func (r *Recorder) shardFor(sessionID string) *shard {
	h := xxhash.Sum64String(sessionID)
	return r.shards[h%shardCount]
}

func (r *Recorder) drain(sh *shard) {
	defer r.wg.Done()
	ctx := context.Background()
	for {
		select {
		case f, ok := <-sh.frames:
			if !ok {
				return
			}
			if err := r.writer.WriteFrame(ctx, f); err != nil {
				if r.logger != nil {
					r.logger.Warn("recorder: write frame failed", "session_id", f.SessionID, "error", err)
				}
				continue
			}
			atomic.AddInt64(&r.written, 1)
		case <-r.closeCh:
			// Drain whatever is already queued before exiting so a clean
			// shutdown does not silently lose buffered frames.
			for {
				select {
				case f, ok := <-sh.frames:
					if !ok {
						return
					}
					if err := r.writer.WriteFrame(ctx, f); err == nil {
						atomic.AddInt64(&r.written, 1)
					}
				default:
					return
				}
			}
		}
	}
}

// RecordFrame builds a Frame from env and its raw wire bytes and enqueues
// it onto the owning session's shard. It never blocks: a full shard
// increments the dropped counter and returns immediately (spec §6.4).
func (r *Recorder) RecordFrame(env *mcp.Envelope) {
	r.recordRaw(env, nil)
}

// RecordFrameWithRaw is the variant used when the caller already holds a
// RawWireData handle (e.g. the forward proxy's fan-out path), avoiding a
// second copy of the bytes already shared via sharedBuffer.
func (r *Recorder) RecordFrameWithRaw(env *mcp.Envelope, raw mcp.RawWireData) {
	r.recordRaw(env, raw.Bytes())
}

func (r *Recorder) recordRaw(env *mcp.Envelope, rawOverride []byte) {
	if r.writer == nil || atomic.LoadInt32(&r.closed) == 1 {
		return
	}

	raw := rawOverride
	if raw == nil && env.Message != nil {
		raw = env.Message.Raw
	}

	method := ""
	if env.Message != nil {
		method = env.Message.Method()
	}

	f := Frame{
		SessionID: env.Context.SessionID,
		Direction: env.Context.Direction,
		Method:    method,
		Timestamp: env.Context.Timestamp,
		Raw:       append([]byte(nil), raw...),
		Checksum:  xxhash.Sum64(raw),
	}

	sh := r.shardFor(env.Context.SessionID)
	select {
	case sh.frames <- f:
	default:
		atomic.AddInt64(&r.dropped, 1)
		if r.logger != nil {
			r.logger.Warn("recorder: shard full, dropping frame", "session_id", f.SessionID)
		}
	}
}

// Stats is a point-in-time snapshot of the recorder's throughput counters.
type Stats struct {
	Written int64
	Dropped int64
}

// Stats returns the current written/dropped counters.
func (r *Recorder) Stats() Stats {
	return Stats{Written: atomic.LoadInt64(&r.written), Dropped: atomic.LoadInt64(&r.dropped)}
}

// Stop drains every shard's pending frames through the writer, then closes
// the writer. Idempotent.
func (r *Recorder) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	close(r.closeCh)
	for _, sh := range r.shards {
		close(sh.frames)
	}
	r.wg.Wait()
	if r.writer != nil {
		return r.writer.Close()
	}
	return nil
}
