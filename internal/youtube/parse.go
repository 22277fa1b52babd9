// Package youtube resolves YouTube videos and fetches their caption tracks.
package youtube

import (
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var pathPrefixes = []string{"/embed/", "/shorts/", "/live/", "/v/"}

// ParseVideoID extracts the video id from a watch, short, embed or shorts URL,
// or accepts a bare id. It makes no network call.
func ParseVideoID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "/") && !strings.Contains(raw, ".") {
		return validID(raw)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	switch host {
	case "youtu.be":
		return validID(firstSegment(u.Path))
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		if v := u.Query().Get("v"); v != "" {
			return validID(v)
		}
		for _, p := range pathPrefixes {
			if rest, ok := strings.CutPrefix(u.Path, p); ok {
				return validID(firstSegment(rest))
			}
		}
	}
	return "", false
}

func firstSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}

func validID(id string) (string, bool) {
	if !videoIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}
