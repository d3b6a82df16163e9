package mcp

import "testing"

func TestMessageContextMetadataLazyAllocation(t *testing.T) {
	var ctx MessageContext
	if ctx.Metadata != nil {
		t.Fatal("Metadata should start nil")
	}

	if _, ok := ctx.Get("missing"); ok {
		t.Error("Get on empty metadata should report ok=false")
	}

	ctx.Set("key", "value")
	if ctx.Metadata == nil {
		t.Fatal("Set should allocate Metadata")
	}

	v, ok := ctx.Get("key")
	if !ok || v != "value" {
		t.Errorf("Get: got (%v, %v), want (\"value\", true)", v, ok)
	}
}

func TestRawWireDataShareIncrementsRefsNotBytes(t *testing.T) {
	raw := NewRawWireData([]byte("payload"), FormatJSON, ClientToServer)
	shared := raw.Share()

	if string(raw.Bytes()) != string(shared.Bytes()) {
		t.Fatalf("shared bytes diverged: %q vs %q", raw.Bytes(), shared.Bytes())
	}

	// Releasing one handle must not invalidate the other's view of the bytes.
	raw.Release()
	if string(shared.Bytes()) != "payload" {
		t.Errorf("bytes corrupted after one release: %q", shared.Bytes())
	}
	shared.Release()
}

func TestNewEnvelopeStampsContext(t *testing.T) {
	msg := &Message{Raw: []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)}
	env := NewEnvelope(msg, "session-123", ClientToServer, TransportContext{Kind: TransportStdio})

	if env.Context.SessionID != "session-123" {
		t.Errorf("SessionID: got %q, want %q", env.Context.SessionID, "session-123")
	}
	if env.Context.Direction != ClientToServer {
		t.Errorf("Direction: got %v, want %v", env.Context.Direction, ClientToServer)
	}
	if env.Context.Timestamp.IsZero() {
		t.Error("Timestamp should be stamped")
	}
}
