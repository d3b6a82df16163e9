package mcp

import "testing"

func TestRejectBatch(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr bool
	}{
		{name: "single object", raw: []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)},
		{name: "leading whitespace object", raw: []byte("  \n\t{\"jsonrpc\":\"2.0\"}")},
		{name: "batch array", raw: []byte(`[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","id":2,"method":"b"}]`), wantErr: true},
		{name: "whitespace then array", raw: []byte("  [1,2,3]"), wantErr: true},
		{name: "empty", raw: []byte("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RejectBatch(tt.raw)
			if tt.wantErr && err == nil {
				t.Fatalf("expected a batch-not-supported error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && err.Code != CodeBatchNotSupported {
				t.Errorf("Code = %v, want CodeBatchNotSupported", err.Code)
			}
		})
	}
}
