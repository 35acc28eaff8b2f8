package models

import "testing"

func TestLookupVariants(t *testing.T) {
	tests := []struct {
		modelID string
		wantID  string
	}{
		{"claude-opus-4-5", "claude-opus-4-5"},
		{"claude-opus-4-5-20251101", "claude-opus-4-5"},
		{"us.anthropic.claude-opus-4-5-20251101-v1:0", "claude-opus-4-5"},
		{"gpt-5.2", "gpt-5.2"},
	}
	for _, tt := range tests {
		info := Lookup(tt.modelID)
		if info == nil {
			t.Errorf("Lookup(%q) = nil", tt.modelID)
			continue
		}
		if info.ID != tt.wantID {
			t.Errorf("Lookup(%q).ID = %q, want %q", tt.modelID, info.ID, tt.wantID)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if Lookup("llama-9000") != nil {
		t.Error("unknown model should return nil")
	}
	if got := ContextWindow("llama-9000", 8192); got != 8192 {
		t.Errorf("ContextWindow default = %d", got)
	}
}

func TestXHighGate(t *testing.T) {
	if !SupportsXHigh("claude-opus-4-5-20251101") {
		t.Error("opus should support xhigh")
	}
	if SupportsXHigh("claude-haiku-4-5") {
		t.Error("haiku should not support xhigh")
	}
}
