package main

import (
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"gemini", 19, "gemini"},
		{"gemini-live / gemini-2.0-flash", 19, "gemini-live / gemi…"},
		{"Zeichenübungen für Anfänger", 12, "Zeichenübun…"},
		{"ääääää", 3, "ää…"},
	}
	for _, tc := range tests {
		got := truncate(tc.in, tc.n)
		if got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tc.in, tc.n)
		}
	}
}
