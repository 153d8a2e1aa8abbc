package service

import "testing"

func TestExtractURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"check out this vid https://youtu.be/abc123 !!", "https://youtu.be/abc123"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"URL: https://vimeo.com/123.", "https://vimeo.com/123"},
		{"link https://twitch.tv/videos/42),", "https://twitch.tv/videos/42"},
		{"www.dailymotion.com/video/x8", "https://www.dailymotion.com/video/x8"},
		{"  youtube.com/watch?v=abc  ", "https://youtube.com/watch?v=abc"},
		{"see <https://example.com/a>", "https://example.com/a"},
		{"HTTPS://EXAMPLE.COM/Up", "HTTPS://EXAMPLE.COM/Up"},
		{"just some words", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ExtractURL(tt.input); got != tt.expected {
				t.Errorf("ExtractURL(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestIsValidURL(t *testing.T) {
	tests := []struct {
		url      string
		expected bool
	}{
		{"https://youtu.be/abc123", true},
		{"http://example.com", true},
		{"https://localhost", false},
		{"ftp://example.com/file", false},
		{"https://exa mple.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidURL(tt.url); got != tt.expected {
			t.Errorf("IsValidURL(%q) = %v, expected %v", tt.url, got, tt.expected)
		}
	}
}
