package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-extractor/internal/product"
)

// Microdata reads the first element carrying each schema.org itemprop.
type Microdata struct{}

// Name implements Extractor.
func (Microdata) Name() string { return "microdata" }

// Extract implements Extractor.
func (Microdata) Extract(doc *Document) product.Fields {
	prop := func(name string) string {
		return itempropValue(doc.Find(fmt.Sprintf(`[itemprop=%q]`, name)).First())
	}
	return product.Fields{
		Name:        product.Some(prop("name")),
		Description: product.Some(prop("description")),
		Price:       product.Some(prop("price")),
		Currency:    product.Some(prop("priceCurrency")),
		Images:      nonEmpty(doc.Resolve(prop("image"))),
		SKU:         product.Some(prop("sku")),
		Brand:       product.Some(prop("brand")),
	}
}

// itempropValue follows the microdata value rules: meta uses content, img
// uses src, link and a use href, everything else its text.
func itempropValue(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	switch goquery.NodeName(s) {
	case "meta":
		return strings.TrimSpace(s.AttrOr("content", ""))
	case "img":
		return strings.TrimSpace(s.AttrOr("src", ""))
	case "link", "a":
		return strings.TrimSpace(s.AttrOr("href", ""))
	default:
		if v, ok := s.Attr("content"); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(s.Text())
	}
}
