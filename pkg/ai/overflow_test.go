package ai

import "testing"

func errMsg(text string) *AssistantMessage {
	return &AssistantMessage{
		Role:         RoleAssistant,
		StopReason:   StopReasonError,
		ErrorMessage: text,
	}
}

func TestIsContextOverflow(t *testing.T) {
	tests := []struct {
		name string
		msg  *AssistantMessage
		want bool
	}{
		{"anthropic", errMsg("400: prompt is too long: 215000 tokens > 200000"), true},
		{"bedrock", errMsg("Input is too long for requested model."), true},
		{"openai", errMsg("This model's maximum context length is 128000 tokens"), true},
		{"groq", errMsg("Please reduce the length of the messages."), true},
		{"bare 413", errMsg("HTTP 413"), true},
		{"rate limit is not overflow", errMsg("429 Too Many Requests"), false},
		{"server error is not overflow", errMsg("HTTP 500: internal"), false},
		{"nil", nil, false},
		{"normal stop", &AssistantMessage{StopReason: StopReasonStop}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContextOverflow(tt.msg, 0); got != tt.want {
				t.Errorf("IsContextOverflow = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSilentOverflow(t *testing.T) {
	msg := &AssistantMessage{
		Role:       RoleAssistant,
		StopReason: StopReasonStop,
		Usage:      Usage{Input: 250000},
	}
	if !IsContextOverflow(msg, 200000) {
		t.Error("input beyond window should count as overflow")
	}
	if IsContextOverflow(msg, 0) {
		t.Error("unknown window must skip the silent check")
	}
}
