package extract

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/product"
)

// Extractor pulls whatever product fields it can find from a document. A
// miss is an empty Fields, never an error.
type Extractor interface {
	Name() string
	Extract(doc *Document) product.Fields
}

// Ladder runs extractors in order, merging each result below the ones
// already collected. It stops early once every record field is present.
func Ladder(doc *Document, extractors ...Extractor) product.Fields {
	var fields product.Fields
	for _, ex := range extractors {
		fields = fields.Merge(ex.Extract(doc))
		if fields.Complete() {
			break
		}
	}
	return fields
}

// Default returns the four extractors in priority order: JSON-LD, meta tags,
// microdata, heuristic.
func Default(registry *SiteRegistry, logger *zap.Logger) []Extractor {
	return []Extractor{
		NewJSONLD(logger),
		Meta{},
		Microdata{},
		NewHeuristic(registry),
	}
}
