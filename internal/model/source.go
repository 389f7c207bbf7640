package model

import (
	"net/url"
	"strings"
)

var youtubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
}

// IsYouTubeURL accepts watch links on the youtube.com hosts and short links
// on youtu.be.
func IsYouTubeURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if !youtubeHosts[host] {
		return false
	}
	if host == "youtu.be" {
		return len(strings.Trim(u.Path, "/")) > 0
	}
	return strings.Contains(u.Path, "/watch") && u.Query().Get("v") != ""
}

// SanitizeJobID keeps only characters that are safe in storage keys and
// shell-free service calls.
func SanitizeJobID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
