// Package extract turns fetched product pages into partial product fields.
//
// Four extractors run against a parsed Document, in priority order: JSON-LD,
// Open Graph / Twitter meta tags, microdata, and a selector plus regex
// heuristic keyed by site. Each returns product.Fields; callers merge them
// with product.Fields.Merge so a higher-priority value is never overwritten.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/product-extractor/internal/crawler"
)

// Document is a parsed page. It is read-only once built.
type Document struct {
	URL  *url.URL
	Raw  []byte
	doc  *goquery.Document
	root *html.Node
}

// Parse decodes body to UTF-8 using the content type and any <meta charset>
// hint, then parses it.
func Parse(pageURL string, body []byte, contentType string) (*Document, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	data := body
	enc, _, _ := charset.DetermineEncoding(body, contentType)
	if decoded, decErr := enc.NewDecoder().Bytes(body); decErr == nil {
		data = decoded
	} else if !utf8.Valid(body) {
		return nil, fmt.Errorf("decode body: %w", decErr)
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{
		URL:  u,
		Raw:  data,
		doc:  goquery.NewDocumentFromNode(root),
		root: root,
	}, nil
}

// FromResponse parses a fetched page.
func FromResponse(resp crawler.FetchResponse) (*Document, error) {
	return Parse(resp.URL, resp.Body, resp.ContentType())
}

// Find runs a CSS selector against the whole document.
func (d *Document) Find(selector string) *goquery.Selection {
	return d.doc.Find(selector)
}

// Node returns the parsed root node.
func (d *Document) Node() *html.Node {
	return d.root
}

// Host returns the page host without a leading "www.".
func (d *Document) Host() string {
	if d.URL == nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(d.URL.Hostname()), "www.")
}

// Title returns the trimmed <title> text.
func (d *Document) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// HasJSONLD reports whether the page carries any JSON-LD block.
func (d *Document) HasJSONLD() bool {
	return d.doc.Find(jsonLDSelector).Length() > 0
}

// OpenGraphCount counts og:* meta tags.
func (d *Document) OpenGraphCount() int {
	return d.doc.Find(`meta[property^="og:"]`).Length()
}

// Resolve makes href absolute against the page URL. It returns "" for
// values that cannot be resolved or are not http(s).
func (d *Document) Resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if d.URL == nil {
		return href
	}
	if strings.HasPrefix(strings.ToLower(href), "data:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := d.URL.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}

// Image is an <img> found on the page.
type Image struct {
	Src string
	Alt string
}

// Images lists the page's images with absolute src, deduplicated, in
// document order.
func (d *Document) Images() []Image {
	seen := make(map[string]struct{})
	var out []Image
	d.doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := d.Resolve(imageSource(s))
		if src == "" {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		out = append(out, Image{Src: src, Alt: strings.TrimSpace(s.AttrOr("alt", ""))})
	})
	return out
}

// Links returns the raw href of every anchor.
func (d *Document) Links() []string {
	var hrefs []string
	d.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		hrefs = append(hrefs, s.AttrOr("href", ""))
	})
	return hrefs
}

var (
	textSkip = map[string]bool{"script": true, "style": true, "noscript": true, "template": true}
	// Boilerplate dropped before text is handed to a language model.
	llmSkip = map[string]bool{"script": true, "style": true, "nav": true, "footer": true, "header": true}
)

// Text returns all human-readable text, one block per line.
func (d *Document) Text() string {
	return walkText(d.root, textSkip)
}

// VisibleText returns the page text without scripts, styles, navigation,
// headers, or footers, truncated to limit runes when limit > 0.
func (d *Document) VisibleText(limit int) string {
	text := walkText(d.root, llmSkip)
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		text = string([]rune(text)[:limit])
	}
	return text
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "li": true,
	"tr": true, "br": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "table": true, "ul": true, "ol": true,
}

func walkText(node *html.Node, skip map[string]bool) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if skip[tag] {
				return
			}
			if blockTags[tag] {
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteString(" ")
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return collapseLines(b.String())
}

func collapseLines(content string) string {
	lines := strings.Split(content, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.Join(strings.Fields(line), " "); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, "\n")
}

func imageSource(s *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "content"} {
		if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}
