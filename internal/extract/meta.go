package extract

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/product-extractor/internal/product"
)

// Meta reads Open Graph and Twitter Card tags. Twitter tags only fill what
// Open Graph left empty, and the <title> is the last resort for the name.
type Meta struct{}

// Name implements Extractor.
func (Meta) Name() string { return "meta" }

// Extract implements Extractor.
func (Meta) Extract(doc *Document) product.Fields {
	og := product.Fields{
		Name:        product.Some(metaContent(doc, "og:title")),
		Description: product.Some(metaContent(doc, "og:description")),
		Price:       product.Some(metaContent(doc, "og:price:amount", "product:price:amount")),
		Currency:    product.Some(metaContent(doc, "og:price:currency", "product:price:currency")),
		Images:      nonEmpty(doc.Resolve(metaContent(doc, "og:image"))),
	}
	twitter := product.Fields{
		Name:        product.Some(metaContent(doc, "twitter:title")),
		Description: product.Some(metaContent(doc, "twitter:description")),
		Images:      nonEmpty(doc.Resolve(metaContent(doc, "twitter:image"))),
	}
	fields := og.Merge(twitter)
	return fields.Merge(product.Fields{Name: product.Some(doc.Title())})
}

// metaContent returns the content of the first meta tag whose property or
// name matches one of keys, in key order.
func metaContent(doc *Document, keys ...string) string {
	for _, key := range keys {
		sel := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
