package downloader

import (
	"bufio"
	"strings"
	"testing"
)

func TestScanLinesOrCR(t *testing.T) {
	input := "first\r[download]  1.0%\r[download]  2.0%\nsecond\r\nlast"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanLinesOrCR)

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	expected := []string{"first", "[download]  1.0%", "[download]  2.0%", "second", "", "last"}
	if len(got) != len(expected) {
		t.Fatalf("expected %d tokens, got %d: %q", len(expected), len(got), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("token %d: expected %q, got %q", i, expected[i], got[i])
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in       int64
		expected string
	}{
		{512, "512B"},
		{1536, "1.5KiB"},
		{5 * 1024 * 1024, "5.0MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.expected {
			t.Errorf("formatBytes(%d): expected %s, got %s", tt.in, tt.expected, got)
		}
	}
}
