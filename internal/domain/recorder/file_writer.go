package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// frameRecord is Frame's on-disk JSON Lines shape, mirroring
// internal/adapter/outbound/audit.FileAuditStore's one-record-per-line
// convention.
type frameRecord struct {
	SessionID string `json:"session_id"`
	Direction int    `json:"direction"`
	Method    string `json:"method"`
	Timestamp string `json:"timestamp"`
	Raw       []byte `json:"raw"`
	Checksum  uint64 `json:"checksum"`
}

// FileTapeWriter appends frames as JSON Lines to a single file, matching
// the teacher's FileAuditStore append convention (no rotation: a tape is
// scoped to one proxy run, unlike the audit log's multi-day retention).
type FileTapeWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileTapeWriter opens (creating if needed) the tape file at path.
func NewFileTapeWriter(path string) (*FileTapeWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("recorder: create tape directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("recorder: open tape file: %w", err)
	}
	return &FileTapeWriter{file: f}, nil
}

// WriteFrame appends one frame as a JSON line.
func (w *FileTapeWriter) WriteFrame(ctx context.Context, f Frame) error {
	rec := frameRecord{
		SessionID: f.SessionID,
		Direction: int(f.Direction),
		Method:    f.Method,
		Timestamp: f.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		Raw:       f.Raw,
		Checksum:  f.Checksum,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("recorder: marshal frame: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.file.Write(data)
	return err
}

// Flush syncs the tape file to disk.
func (w *FileTapeWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close syncs and closes the tape file.
func (w *FileTapeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.file.Sync()
	return w.file.Close()
}

var _ TapeWriter = (*FileTapeWriter)(nil)
