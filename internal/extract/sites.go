package extract

import (
	"strings"
	"sync"
)

// DefaultSite is the registry key used when a host has no entry.
const DefaultSite = "default"

// SiteSelectors lists CSS selectors per field, tried in order.
type SiteSelectors struct {
	Name        []string
	Price       []string
	Description []string
	Images      []string
	SKU         []string
	Brand       []string
	Rating      []string
}

// SiteRegistry maps a host to its selectors. It is safe for concurrent use.
type SiteRegistry struct {
	mu    sync.RWMutex
	sites map[string]SiteSelectors
}

// NewSiteRegistry returns a registry seeded with the built-in Vietnamese
// marketplaces and the default entry.
func NewSiteRegistry() *SiteRegistry {
	r := &SiteRegistry{sites: make(map[string]SiteSelectors)}
	for host, sel := range builtinSites() {
		r.sites[host] = sel
	}
	return r
}

// Register adds or replaces the selectors for host.
func (r *SiteRegistry) Register(host string, sel SiteSelectors) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[normalizeHost(host)] = sel
}

// Lookup returns the selectors for host, or the default entry. The boolean
// reports whether a site-specific entry was found.
func (r *SiteRegistry) Lookup(host string) (SiteSelectors, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sel, ok := r.sites[normalizeHost(host)]; ok && normalizeHost(host) != DefaultSite {
		return sel, true
	}
	return r.sites[DefaultSite], false
}

// Default returns the fallback selectors.
func (r *SiteRegistry) Default() SiteSelectors {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sites[DefaultSite]
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}

func builtinSites() map[string]SiteSelectors {
	return map[string]SiteSelectors{
		"shopee.vn": {
			Name:        []string{".product-title", "h1", `[class*="product-name"]`},
			Price:       []string{`[class*="price"]`, ".product-price"},
			Description: []string{".product-description", `[class*="description"]`},
			Images:      []string{`img[class*="product"]`, ".product-image img"},
		},
		"lazada.vn": {
			Name:        []string{".pdp-product-title", "h1"},
			Price:       []string{".pdp-price", `[class*="price"]`},
			Description: []string{".detail-content"},
		},
		"tiki.vn": {
			Name:   []string{`h1[class*="title"]`, ".product-name"},
			Price:  []string{`[class*="product-price"]`},
			Rating: []string{`[class*="rating"]`},
		},
		"sendo.vn": {
			Name:  []string{".product_name", "h1"},
			Price: []string{".product_price"},
		},
		DefaultSite: {
			Name:        []string{"h1", `[itemprop="name"]`, ".product-title", ".product-name"},
			Price:       []string{`[itemprop="price"]`, ".price", ".product-price", `[class*="price"]`},
			Description: []string{`[itemprop="description"]`, ".description", ".product-description"},
			Images:      []string{`[itemprop="image"]`, ".product-image img", `img[alt*="product"]`},
			SKU:         []string{`[itemprop="sku"]`, ".sku", ".product-code"},
			Brand:       []string{`[itemprop="brand"]`, ".brand"},
		},
	}
}
