package schema

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/product-extractor/internal/normalize"
	"github.com/JakeFAU/product-extractor/internal/product"
)

const defaultDescriptionLimit = 200

// ApplyOptions tunes card extraction.
type ApplyOptions struct {
	// DescriptionLimit caps the description in characters. Zero selects 200.
	DescriptionLimit int
	// MaxRecords stops after this many accepted cards. Zero means no cap.
	MaxRecords int
}

// Apply runs s against one page and returns a record per complete card.
// Cards missing a title, price, description or image, or whose selectors
// fail to evaluate, are skipped. The error is non-nil only when the page or
// the base selector cannot be used at all.
func Apply(s SiteSchema, body []byte, pageURL string, opts ApplyOptions) ([]product.Record, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	cards, err := htmlquery.QueryAll(root, s.BaseSelector)
	if err != nil {
		return nil, fmt.Errorf("evaluate baseSelector: %w", err)
	}
	limit := opts.DescriptionLimit
	if limit <= 0 {
		limit = defaultDescriptionLimit
	}

	var out []product.Record
	for _, card := range cards {
		rec, err := applyCard(s, card, base, limit)
		if err != nil {
			continue
		}
		out = append(out, rec)
		if opts.MaxRecords > 0 && len(out) >= opts.MaxRecords {
			break
		}
	}
	return out, nil
}

var errMissingField = errors.New("card field missing")

func applyCard(s SiteSchema, card *html.Node, base *url.URL, descLimit int) (product.Record, error) {
	values := make(map[string]string, len(requiredFields))
	for _, name := range requiredFields {
		f, ok := s.Field(name)
		if !ok {
			return product.Record{}, fmt.Errorf("%w: %s", errMissingField, name)
		}
		v, err := fieldValue(card, f)
		if err != nil {
			return product.Record{}, err
		}
		if v == "" {
			return product.Record{}, fmt.Errorf("%w: %s", errMissingField, name)
		}
		values[name] = v
	}

	image := resolve(base, values[FieldImageURL])
	if image == "" {
		return product.Record{}, fmt.Errorf("%w: %s", errMissingField, FieldImageURL)
	}
	fields := product.Fields{
		Name:        product.Some(values[FieldTitle]),
		Price:       product.Some(values[FieldPrice]),
		Description: product.Some(normalize.Truncate(normalize.Text(values[FieldDescription]), descLimit)),
		Images:      []string{image},
	}
	rec, err := product.Finalize(fields, base.String(), product.StrategySchema)
	if err != nil {
		return product.Record{}, err
	}
	if rec.Specs == "" {
		return product.Record{}, fmt.Errorf("%w: %s", errMissingField, FieldDescription)
	}
	return rec, nil
}

func fieldValue(card *html.Node, f Field) (string, error) {
	node, err := htmlquery.Query(card, f.Selector)
	if err != nil {
		return "", fmt.Errorf("evaluate %s: %w", f.Name, err)
	}
	if node == nil {
		return strings.TrimSpace(f.Default), nil
	}
	var v string
	switch f.Type {
	case TypeAttribute:
		v = htmlquery.SelectAttr(node, f.Attribute)
		if v == "" {
			// Selectors ending in /@attr yield the value as text.
			v = htmlquery.InnerText(node)
		}
	case TypeHTML:
		v = htmlquery.OutputHTML(node, false)
	default:
		v = htmlquery.InnerText(node)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		v = strings.TrimSpace(f.Default)
	}
	return v, nil
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(strings.ToLower(href), "data:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
