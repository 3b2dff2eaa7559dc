package storage

import (
	"net/url"
	"strings"
)

// TransformURLToPathSegment turns a URL path into a filesystem-safe
// directory name. Empty paths map to "root".
func TransformURLToPathSegment(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	p := strings.Trim(parsed.Path, "/")
	if p == "" {
		return "root", nil
	}
	p = strings.ReplaceAll(p, "/", "_")
	p = strings.Map(func(r rune) rune {
		switch r {
		case '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, p)
	return p, nil
}

// BrowserIDFromTargetID returns the first 8 chars of a CDP target ID.
func BrowserIDFromTargetID(targetID string) string {
	if len(targetID) >= 8 {
		return targetID[:8]
	}
	return targetID
}
