package service

import (
	"regexp"
	"strings"
)

// SupportedDomains are recognised even when pasted without a scheme.
var SupportedDomains = []string{
	"youtube.com", "youtu.be", "twitch.tv", "facebook.com",
	"instagram.com", "tiktok.com", "vimeo.com", "dailymotion.com",
	"twitter.com", "x.com", "reddit.com", "streamable.com",
	"bilibili.com", "nicovideo.jp", "soundcloud.com",
}

var (
	labelPrefixRe = regexp.MustCompile(`(?i)^(url[:\s]+|link[:\s]+)`)
	urlTokenRe    = regexp.MustCompile("(?i)https?://[^\\s<>\"'{}|\\\\^`\\[\\]]+|www\\.[^\\s<>\"'{}|\\\\^`\\[\\]]+")
	trailingRe    = regexp.MustCompile(`[.,;:!?)]+$`)
	validURLRe    = regexp.MustCompile(`^https?://[^\s<>"']+\.[^\s<>"']+$`)
)

// ExtractURL pulls the first URL out of free text such as a pasted chat
// message. It returns "" when nothing URL-like is found.
func ExtractURL(text string) string {
	text = strings.TrimSpace(text)
	text = labelPrefixRe.ReplaceAllString(text, "")

	if match := urlTokenRe.FindString(text); match != "" {
		return withScheme(trailingRe.ReplaceAllString(match, ""))
	}

	lower := strings.ToLower(text)
	for _, domain := range SupportedDomains {
		if strings.Contains(lower, domain) {
			return withScheme(text)
		}
	}
	return ""
}

// IsValidURL checks the basic shape of an http(s) URL.
func IsValidURL(url string) bool {
	return url != "" && validURLRe.MatchString(url)
}

func withScheme(url string) string {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return url
	}
	return "https://" + url
}
