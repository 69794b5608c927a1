package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/extract"
	"github.com/JakeFAU/product-extractor/internal/llm"
	"github.com/JakeFAU/product-extractor/internal/metrics"
	"github.com/JakeFAU/product-extractor/internal/product"
)

const productInstruction = "Extract the product on this page. Use the page language for text. " +
	"price is the number with its currency unit as written on the page."

const productShape = `{
  "name": "product name",
  "price": "price with unit",
  "currency": "ISO currency code if known",
  "description": "short description",
  "brand": "brand",
  "sku": "product code",
  "specifications": {"key": "value"},
  "images": ["image url"],
  "availability": "stock status"
}`

type llmProduct struct {
	Name           string          `json:"name"`
	Price          json.RawMessage `json:"price"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description"`
	Brand          string          `json:"brand"`
	SKU            string          `json:"sku"`
	Specifications map[string]any  `json:"specifications"`
	Images         json.RawMessage `json:"images"`
	Availability   string          `json:"availability"`
}

// llmFields asks the generator for product fields from the page's visible
// text. Any failure yields empty Fields.
func (s *Scraper) llmFields(ctx context.Context, doc *extract.Document) product.Fields {
	if s.generator == nil {
		return product.Fields{}
	}
	raw, err := s.generator.Generate(ctx, llm.GenerateRequest{
		Instruction: productInstruction,
		Input:       doc.VisibleText(s.cfg.LLMTextLimit),
		Shape:       productShape,
	})
	if err != nil {
		metrics.ObserveLLMCall("generate", "error")
		s.logger.Warn("llm extraction failed", zap.String("url", doc.URL.String()), zap.Error(err))
		return product.Fields{}
	}
	metrics.ObserveLLMCall("generate", "ok")
	fields, err := decodeLLMProduct(raw)
	if err != nil {
		s.logger.Debug("llm answer unusable", zap.String("url", doc.URL.String()), zap.Error(err))
		return product.Fields{}
	}
	resolved := fields.Images[:0]
	for _, img := range fields.Images {
		if abs := doc.Resolve(img); abs != "" {
			resolved = append(resolved, abs)
		}
	}
	fields.Images = resolved
	return fields
}

func decodeLLMProduct(raw json.RawMessage) (product.Fields, error) {
	unwrapped, err := llm.UnwrapJSON(string(raw))
	if err != nil {
		return product.Fields{}, err
	}
	var p llmProduct
	if err := json.Unmarshal(unwrapped, &p); err != nil {
		return product.Fields{}, fmt.Errorf("decode product json: %w", err)
	}
	description := p.Description
	if specs := specSentences(p.Specifications); specs != "" {
		description = strings.TrimSpace(strings.TrimRight(description, ". ") + ". " + specs)
		description = strings.TrimPrefix(description, ". ")
	}
	return product.Fields{
		Name:         product.Some(p.Name),
		Description:  product.Some(description),
		Price:        product.Some(jsonText(p.Price)),
		Currency:     product.Some(p.Currency),
		Images:       stringList(p.Images),
		SKU:          product.Some(p.SKU),
		Brand:        product.Some(p.Brand),
		Availability: product.Some(p.Availability),
	}, nil
}

// jsonText renders a JSON string or number as text.
func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	if s := jsonText(raw); s != "" {
		return []string{s}
	}
	return nil
}

// specSentences flattens a specification map into "Key: value." sentences in
// key order.
func specSentences(specs map[string]any) string {
	if len(specs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.TrimSpace(fmt.Sprint(specs[k]))
		if v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s.", k, v))
	}
	return strings.Join(parts, " ")
}
