package lilac

import "testing"

func TestMessageConstructors(t *testing.T) {
	tests := []struct {
		name string
		msg  ChatMessage
		role string
	}{
		{"user", UserMessage("hello"), "user"},
		{"system", SystemMessage("be brief"), "system"},
		{"assistant", AssistantMessage("done"), "assistant"},
	}
	for _, tt := range tests {
		if tt.msg.Role != tt.role {
			t.Errorf("%s: Role = %q, want %q", tt.name, tt.msg.Role, tt.role)
		}
		if tt.msg.Content == "" {
			t.Errorf("%s: Content is empty", tt.name)
		}
		if tt.msg.Name != "" {
			t.Errorf("%s: Name = %q, want empty", tt.name, tt.msg.Name)
		}
	}
}

func TestRequestStateIsTerminal(t *testing.T) {
	terminal := []RequestState{StateResolved, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RequestState{StateQueued, StateStreaming} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
