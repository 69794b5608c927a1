package extract

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/product"
)

const jsonLDSelector = `script[type="application/ld+json"]`

// JSONLD reads schema.org Product objects from JSON-LD script blocks.
type JSONLD struct {
	logger *zap.Logger
}

// NewJSONLD builds the extractor. Malformed blocks are logged at debug.
func NewJSONLD(logger *zap.Logger) *JSONLD {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLD{logger: logger}
}

// Name implements Extractor.
func (*JSONLD) Name() string { return "json_ld" }

// Extract implements Extractor. When several blocks describe a product the
// first one wins and later ones only fill gaps.
func (j *JSONLD) Extract(doc *Document) product.Fields {
	var fields product.Fields
	doc.Find(jsonLDSelector).Each(func(i int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var data any
		if err := dec.Decode(&data); err != nil {
			j.logger.Debug("skipping malformed json-ld block",
				zap.String("url", doc.URL.String()),
				zap.Int("block", i),
				zap.Error(err),
			)
			return
		}
		for _, node := range productNodes(data) {
			fields = fields.Merge(productFields(node))
		}
	})
	fields.Images = resolveAll(doc, fields.Images)
	return fields
}

func resolveAll(doc *Document, hrefs []string) []string {
	var out []string
	for _, href := range hrefs {
		if abs := doc.Resolve(href); abs != "" {
			out = append(out, abs)
		}
	}
	return out
}

// productNodes finds objects typed Product in a top-level object, a list, or
// an @graph.
func productNodes(data any) []map[string]any {
	var out []map[string]any
	var visit func(v any)
	visit = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, item := range t {
				visit(item)
			}
		case map[string]any:
			if isProduct(t["@type"]) {
				out = append(out, t)
			}
			if graph, ok := t["@graph"]; ok {
				visit(graph)
			}
		}
	}
	visit(data)
	return out
}

func isProduct(typ any) bool {
	switch t := typ.(type) {
	case string:
		return strings.EqualFold(t, "Product")
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.EqualFold(s, "Product") {
				return true
			}
		}
	}
	return false
}

func productFields(node map[string]any) product.Fields {
	f := product.Fields{
		Name:        product.Some(scalar(node["name"])),
		Description: product.Some(scalar(node["description"])),
		SKU:         product.Some(scalar(node["sku"])),
		Brand:       product.Some(nameOf(node["brand"])),
		Images:      imageList(node["image"]),
	}
	if offer, ok := first(node["offers"]).(map[string]any); ok {
		price := scalar(offer["price"])
		if price == "" {
			price = scalar(offer["lowPrice"])
		}
		f.Price = product.Some(price)
		f.Currency = product.Some(scalar(offer["priceCurrency"]))
		f.Availability = product.Some(scalar(offer["availability"]))
	}
	if rating, ok := node["aggregateRating"].(map[string]any); ok {
		f.Rating = product.Some(scalar(rating["ratingValue"]))
		f.ReviewCount = product.Some(scalar(rating["reviewCount"]))
	}
	return f
}

func first(v any) any {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// nameOf reads a value that is either a plain string or an object with a
// name, such as brand.
func nameOf(v any) string {
	switch t := first(v).(type) {
	case map[string]any:
		return scalar(t["name"])
	default:
		return scalar(t)
	}
}

func imageList(v any) []string {
	var out []string
	add := func(item any) {
		switch t := item.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		case map[string]any:
			if s := scalar(t["url"]); s != "" {
				out = append(out, s)
			} else if s := scalar(t["contentUrl"]); s != "" {
				out = append(out, s)
			}
		}
	}
	if list, ok := v.([]any); ok {
		for _, item := range list {
			add(item)
		}
		return out
	}
	add(v)
	return out
}
