package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeName converts s into a filesystem- and object-store-safe token.
func SafeName(s string) string {
	s = invalidFilenameChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// PagePath builds the blob path for an archived page:
// <prefix>/<host>/<digest>.html.
func PagePath(prefix, rawURL, digest string) string {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = SafeName(strings.ToLower(u.Hostname()))
	}
	name := fmt.Sprintf("%s.html", SafeName(digest))
	if prefix == "" {
		return path.Join(host, name)
	}
	return path.Join(prefix, host, name)
}
