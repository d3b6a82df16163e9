package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/pkg/mcp"
	_ "modernc.org/sqlite"
)

// parseTapeTimestamp parses the fixed RFC3339-nanosecond layout frames are
// stored with; a parse failure degrades to the zero time rather than
// failing the whole read (a tape reader is a diagnostic tool, not a
// correctness-critical path).
func parseTapeTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000000000Z", s)
}

// mcpDirection converts the integer column back to mcp.Direction.
func mcpDirection(n int) mcp.Direction {
	return mcp.Direction(n)
}

// SQLiteTapeWriter persists frames to a SQLite database, giving the tape
// both durability across proxy restarts and the queryable TapeReader
// surface a flat JSON Lines file cannot offer cheaply (look up every frame
// for one session without scanning the whole file). This is the
// "persistent session store backing and tape index" the domain stack
// calls out modernc.org/sqlite for; the recorder is where it is actually
// wired in, since a tape is the append-only history the teacher's
// in-memory session registry deliberately does not keep.
type SQLiteTapeWriter struct {
	db *sql.DB
}

// NewSQLiteTapeWriter opens (creating if needed) a SQLite database at
// path and ensures the frames table exists.
func NewSQLiteTapeWriter(path string) (*SQLiteTapeWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open sqlite tape: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	const schema = `
CREATE TABLE IF NOT EXISTS frames (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	direction INTEGER NOT NULL,
	method TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	raw BLOB NOT NULL,
	checksum INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session_id, id);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder: create tape schema: %w", err)
	}

	return &SQLiteTapeWriter{db: db}, nil
}

// WriteFrame inserts one frame row.
func (w *SQLiteTapeWriter) WriteFrame(ctx context.Context, f Frame) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO frames (session_id, direction, method, recorded_at, raw, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
		f.SessionID, int(f.Direction), f.Method, f.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"), f.Raw, f.Checksum,
	)
	if err != nil {
		return fmt.Errorf("recorder: insert frame: %w", err)
	}
	return nil
}

// Flush is a no-op: SQLite commits each statement as its own transaction
// here, so there is nothing buffered to force to disk beyond what the
// driver already does per INSERT.
func (w *SQLiteTapeWriter) Flush(ctx context.Context) error {
	return nil
}

// Close closes the underlying database handle.
func (w *SQLiteTapeWriter) Close() error {
	return w.db.Close()
}

// ReadSession implements TapeReader, returning every frame recorded for a
// session in arrival order.
func (w *SQLiteTapeWriter) ReadSession(ctx context.Context, sessionID string) ([]Frame, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT direction, method, recorded_at, raw, checksum FROM frames WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("recorder: query session frames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var frames []Frame
	for rows.Next() {
		var (
			direction int
			method    string
			ts        string
			raw       []byte
			checksum  uint64
		)
		if err := rows.Scan(&direction, &method, &ts, &raw, &checksum); err != nil {
			return nil, fmt.Errorf("recorder: scan frame row: %w", err)
		}
		parsedTS, _ := parseTapeTimestamp(ts)
		frames = append(frames, Frame{
			SessionID: sessionID,
			Direction: mcpDirection(direction),
			Method:    method,
			Timestamp: parsedTS,
			Raw:       raw,
			Checksum:  checksum,
		})
	}
	return frames, rows.Err()
}

var _ TapeWriter = (*SQLiteTapeWriter)(nil)
var _ TapeReader = (*SQLiteTapeWriter)(nil)
