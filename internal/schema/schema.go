// Package schema infers, caches and applies per-site XPath extraction
// schemas. One schema serves every page of a root domain; it is generated
// once by a language model and then reused from disk.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// FieldType says how a matched node becomes a value.
type FieldType string

// Field types.
const (
	TypeText      FieldType = "text"
	TypeAttribute FieldType = "attribute"
	TypeHTML      FieldType = "html"
)

// Names of the fields every product schema must define.
const (
	FieldTitle       = "title"
	FieldPrice       = "price"
	FieldImageURL    = "image_url"
	FieldDescription = "description"
)

var requiredFields = []string{FieldTitle, FieldPrice, FieldImageURL, FieldDescription}

// Field locates one value inside a product card. Selector is relative to the
// card matched by the schema's BaseSelector.
type Field struct {
	Name      string    `json:"name"`
	Selector  string    `json:"selector"`
	Type      FieldType `json:"type"`
	Attribute string    `json:"attribute,omitempty"`
	Default   string    `json:"default,omitempty"`
}

// SiteSchema is the persisted extraction schema of one root domain.
type SiteSchema struct {
	Name         string    `json:"name"`
	BaseSelector string    `json:"baseSelector"`
	Fields       []Field   `json:"fields"`
	RootDomain   string    `json:"rootDomain,omitempty"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

// Field returns the named field definition.
func (s SiteSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks that the base selector and the four product fields are
// present and are XPath expressions that select nodes. Expressions such as
// normalize-space(...) or count(...) compile but never match a card.
func (s SiteSchema) Validate() error {
	if strings.TrimSpace(s.BaseSelector) == "" {
		return errors.New("schema has no baseSelector")
	}
	if err := checkNodeSelector(s.BaseSelector); err != nil {
		return fmt.Errorf("baseSelector: %w", err)
	}
	for _, name := range requiredFields {
		f, ok := s.Field(name)
		if !ok {
			return fmt.Errorf("schema is missing field %q", name)
		}
		if err := checkNodeSelector(f.Selector); err != nil {
			return fmt.Errorf("selector for %q: %w", name, err)
		}
		switch f.Type {
		case TypeText, TypeAttribute, TypeHTML, "":
		default:
			return fmt.Errorf("field %q has unknown type %q", name, f.Type)
		}
	}
	return nil
}

// checkNodeSelector compiles expr and evaluates it against an empty
// document; only node-set results are accepted.
func checkNodeSelector(expr string) error {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return fmt.Errorf("compile %q: %w", expr, err)
	}
	empty := &html.Node{Type: html.DocumentNode}
	if _, ok := compiled.Evaluate(htmlquery.CreateXPathNavigator(empty)).(*xpath.NodeIterator); !ok {
		return fmt.Errorf("%q does not select nodes", expr)
	}
	return nil
}

// GenerationError reports that no usable schema could be inferred for a
// root domain.
type GenerationError struct {
	RootDomain string
	Err        error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate schema for %s: %v", e.RootDomain, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Example is the target shape handed to the inference step.
const Example = `{
  "name": "Product Cards",
  "baseSelector": "//div[@class='product-card']",
  "fields": [
    {"name": "title", "selector": ".//h2[@class='product-name']", "type": "text"},
    {"name": "price", "selector": ".//span[@class='price']", "type": "text"},
    {"name": "image_url", "selector": ".//img", "type": "attribute", "attribute": "src"},
    {"name": "description", "selector": ".//p", "type": "text"}
  ]
}`
