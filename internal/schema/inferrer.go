package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/JakeFAU/product-extractor/internal/llm"
	"github.com/JakeFAU/product-extractor/internal/metrics"
)

// Inferrer derives a schema from a sample page and a target shape example.
type Inferrer interface {
	Infer(ctx context.Context, page string, example string) (SiteSchema, error)
}

const (
	inferInstruction = "Generate an XPath extraction schema for the product information on this page. " +
		"baseSelector must match each product container. Field selectors are relative to it and start with './/'. " +
		"Use exactly the fields title, price, image_url and description."
	defaultHTMLLimit = 30000
)

// LLMInferrer asks a generator for the schema.
type LLMInferrer struct {
	generator llm.Generator
	htmlLimit int
}

// NewLLMInferrer builds an inferrer. htmlLimit caps the cleaned HTML sent to
// the model; zero selects the default.
func NewLLMInferrer(generator llm.Generator, htmlLimit int) *LLMInferrer {
	if htmlLimit <= 0 {
		htmlLimit = defaultHTMLLimit
	}
	return &LLMInferrer{generator: generator, htmlLimit: htmlLimit}
}

// Infer implements Inferrer.
func (i *LLMInferrer) Infer(ctx context.Context, page string, example string) (SiteSchema, error) {
	if i.generator == nil {
		return SiteSchema{}, llm.ErrEmptyResponse
	}
	raw, err := i.generator.Generate(ctx, llm.GenerateRequest{
		Instruction: inferInstruction,
		Input:       CleanHTML(page, i.htmlLimit),
		Shape:       example,
	})
	if err != nil {
		metrics.ObserveLLMCall("schema", "error")
		return SiteSchema{}, fmt.Errorf("generate schema: %w", err)
	}
	metrics.ObserveLLMCall("schema", "ok")
	body, err := llm.UnwrapJSON(string(raw))
	if err != nil {
		return SiteSchema{}, err
	}
	var out SiteSchema
	if err := json.Unmarshal(body, &out); err != nil {
		return SiteSchema{}, fmt.Errorf("decode schema: %w", err)
	}
	return out, nil
}

var droppedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "svg": true,
	"iframe": true, "template": true, "link": true, "meta": true,
}

// CleanHTML removes scripts, styles, comments and other markup that does not
// help locate product cards, then truncates to limit bytes on a rune
// boundary. Unparseable input is returned truncated.
func CleanHTML(page string, limit int) string {
	root, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return truncateBytes(page, limit)
	}
	strip(root)
	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return truncateBytes(page, limit)
	}
	return truncateBytes(buf.String(), limit)
}

func strip(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && droppedElements[c.Data]) {
			n.RemoveChild(c)
		} else {
			strip(c)
		}
		c = next
	}
}

func truncateBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
