package crawler

import (
	"errors"
	"strings"
)

// ErrBlocked marks a URL whose host is on the blocklist.
var ErrBlocked = errors.New("host is blocked")

// Blocklist matches hosts against exact entries and suffix wildcards
// ("*.example.com" or ".example.com").
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist returns nil when patterns holds no usable entry; a nil
// Blocklist blocks nothing.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[strings.TrimPrefix(value, "www.")] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// Blocked reports whether the URL's host matches an entry. Input without a
// scheme is treated as a bare host.
func (b *Blocklist) Blocked(rawURL string) bool {
	if b == nil {
		return false
	}
	host := Host(rawURL)
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
