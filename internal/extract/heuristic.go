package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-extractor/internal/product"
)

var (
	pricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:VND|₫|đ)\s*([\d.,]+)`),
		regexp.MustCompile(`(?i)([\d.,]+)\s*(?:VND|₫|đ)`),
		regexp.MustCompile(`(?i)(?:Price|Giá)[:\s]*([\d.,]+)`),
	}
	digitRe = regexp.MustCompile(`\d`)
)

// Heuristic applies per-site CSS selectors, then regular expressions over
// the page text for anything still missing.
type Heuristic struct {
	registry *SiteRegistry
}

// NewHeuristic builds the extractor. A nil registry uses the built-in sites.
func NewHeuristic(registry *SiteRegistry) *Heuristic {
	if registry == nil {
		registry = NewSiteRegistry()
	}
	return &Heuristic{registry: registry}
}

// Name implements Extractor.
func (*Heuristic) Name() string { return "heuristic" }

// Extract implements Extractor.
func (h *Heuristic) Extract(doc *Document) product.Fields {
	site, _ := h.registry.Lookup(doc.Host())
	def := h.registry.Default()
	text := func(siteSel, defSel []string) product.Value {
		return product.Some(firstText(doc, siteSel, defSel))
	}

	fields := product.Fields{
		Name:        text(site.Name, def.Name),
		Price:       text(site.Price, def.Price),
		Description: text(site.Description, def.Description),
		SKU:         text(site.SKU, def.SKU),
		Brand:       text(site.Brand, def.Brand),
		Rating:      text(site.Rating, def.Rating),
		Images:      firstImages(doc, site.Images, def.Images),
	}

	if !fields.Price.IsSet() {
		fields.Price = product.Some(matchPrice(doc.Text()))
	}
	if !fields.Name.IsSet() {
		fields.Name = product.Some(strings.TrimSpace(doc.Find("h1").First().Text()))
	}
	if !fields.Name.IsSet() {
		fields.Name = product.Some(doc.Title())
	}
	return fields
}

// firstText returns the text of the first non-empty element matched by the
// first selector that matches anything.
func firstText(doc *Document, lists ...[]string) string {
	for _, list := range lists {
		for _, sel := range list {
			var found string
			doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
				found = selectionText(s)
				return found == ""
			})
			if found != "" {
				return found
			}
		}
	}
	return ""
}

func selectionText(s *goquery.Selection) string {
	if goquery.NodeName(s) == "meta" {
		return strings.TrimSpace(s.AttrOr("content", ""))
	}
	return strings.Join(strings.Fields(s.Text()), " ")
}

// firstImages collects the image URLs matched by the first selector that
// yields any.
func firstImages(doc *Document, lists ...[]string) []string {
	for _, list := range lists {
		for _, sel := range list {
			var images []string
			seen := make(map[string]struct{})
			doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
				src := doc.Resolve(imageSource(s))
				if src == "" {
					return
				}
				if _, dup := seen[src]; dup {
					return
				}
				seen[src] = struct{}{}
				images = append(images, src)
			})
			if len(images) > 0 {
				return images
			}
		}
	}
	return nil
}

// matchPrice returns the first price-looking match in text, including its
// currency marker so normalization can tag it.
func matchPrice(text string) string {
	for _, re := range pricePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if digitRe.MatchString(m[1]) {
				return strings.TrimSpace(m[0])
			}
		}
	}
	return ""
}
