package logutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"10.0.0.5", "10.0.0.5"},
		{"bob\nINFO fake entry", "bob INFO fake entry"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07", "bell"},
		{"esc\x1b[31m", "esc[31m"},
		{"", ""},
		{"héllo", "héllo"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.expected {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := SanitizeForLog(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncation marker, got %q", got[len(got)-10:])
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune")
	}
	if len(got) > maxLogFieldLen+3 {
		t.Errorf("len = %d, want <= %d", len(got), maxLogFieldLen+3)
	}
}
