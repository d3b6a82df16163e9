package mcp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SseEvent is a single parsed Server-Sent Event per spec §3.5.
type SseEvent struct {
	Data      string // may be multi-line, joined with LF
	EventType string
	ID        string // used as a resumption cursor
	RetryMs   int
	HasRetry  bool
}

// SseDecoder consumes a byte stream field-by-field and yields SseEvents,
// following the framing rules in spec §4.1: lines split on LF, fields
// separated by the first ':' (optional leading space on the value
// dropped), a blank line dispatches the accumulated event, data: lines
// are concatenated with LF between them, unknown fields are ignored,
// comment lines (leading ':') are ignored, and retry: is only honored
// when its value parses as an unsigned integer.
//
// This mirrors the line-oriented read loop the teacher's upstream
// transport layer uses for bufio.Scanner-based framing (see
// internal/adapter/outbound/mcp/http_client.go), generalized from
// newline-delimited JSON to the SSE field grammar.
type SseDecoder struct {
	r            *bufio.Reader
	dataLines    []string
	eventType    string
	id           string
	retryMs      int
	hasRetry     bool
	hasAnyField  bool
	lastEventID  string
}

// NewSseDecoder wraps r for incremental SSE event decoding.
func NewSseDecoder(r io.Reader) *SseDecoder {
	return &SseDecoder{r: bufio.NewReaderSize(r, 4096)}
}

// LastEventID returns the most recently seen non-empty event id, used to
// populate Last-Event-ID on reconnect.
func (d *SseDecoder) LastEventID() string {
	return d.lastEventID
}

// Next blocks until a full event has been accumulated and dispatched (on
// a blank line) or the stream ends. It returns io.EOF when the underlying
// reader is exhausted with no pending event.
func (d *SseDecoder) Next() (*SseEvent, error) {
	for {
		line, err := d.r.ReadString('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF && d.hasAnyField {
				return d.dispatch(), nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if d.hasAnyField {
				return d.dispatch(), nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			// Comment line, ignored per spec.
			if err != nil {
				return nil, err
			}
			continue
		}

		field, value := splitField(line)
		d.applyField(field, value)

		if err != nil {
			if d.hasAnyField {
				return d.dispatch(), nil
			}
			return nil, err
		}
	}
}

// splitField splits a raw SSE line on the first ':' and trims a single
// optional leading space from the value, per the WHATWG EventSource
// field-parsing algorithm.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

func (d *SseDecoder) applyField(field, value string) {
	switch field {
	case "event":
		d.eventType = value
		d.hasAnyField = true
	case "data":
		d.dataLines = append(d.dataLines, value)
		d.hasAnyField = true
	case "id":
		if !strings.Contains(value, "\x00") {
			d.id = value
		}
		d.hasAnyField = true
	case "retry":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			d.retryMs = n
			d.hasRetry = true
		}
		d.hasAnyField = true
	default:
		// Unknown fields are ignored per spec §4.1.
	}
}

func (d *SseDecoder) dispatch() *SseEvent {
	ev := &SseEvent{
		Data:      strings.Join(d.dataLines, "\n"),
		EventType: d.eventType,
		ID:        d.id,
		RetryMs:   d.retryMs,
		HasRetry:  d.hasRetry,
	}
	if ev.ID != "" {
		d.lastEventID = ev.ID
	}
	d.dataLines = nil
	d.eventType = ""
	d.id = ""
	d.retryMs = 0
	d.hasRetry = false
	d.hasAnyField = false
	return ev
}

// EncodeSseEvent serializes an SseEvent back to wire format, used by the
// reverse proxy's HTTP/SSE server side when forwarding upstream events to
// a client with a proxy-assigned stable id (spec §4.2 HTTP/SSE server).
func EncodeSseEvent(ev SseEvent) []byte {
	var b strings.Builder
	if ev.EventType != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.EventType)
	}
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.HasRetry {
		fmt.Fprintf(&b, "retry: %d\n", ev.RetryMs)
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return []byte(b.String())
}
