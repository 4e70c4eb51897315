package util

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"clean string", "GET /api/v1/search", "GET /api/v1/search"},
		{"newline injection", "ok\nFAKE LOG LINE", "ok FAKE LOG LINE"},
		{"crlf injection", "ok\r\nFAKE LOG LINE", "ok FAKE LOG LINE"},
		{"control characters", "Hello\x00\x01\x1FWorld", "Hello World"},
		{"del character", "Hello\x7FWorld", "Hello World"},
		{"tab", "Hello\tWorld", "Hello World"},
		{"only control chars", "\x00\x01\x02\x1F\x7F", " "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.expected {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
