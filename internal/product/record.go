package product

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/product-extractor/internal/normalize"
)

// ErrEmptyResult is returned when a page did not yield enough data for a
// product record (a name, a price, and an image are all required).
var ErrEmptyResult = errors.New("insufficient product data")

// Strategy names the extraction path that produced a record.
type Strategy string

// Known strategies.
const (
	StrategyJSONLD Strategy = "json_ld"
	StrategyHTML   Strategy = "html"
	StrategyLLM    Strategy = "llm"
	StrategyHybrid Strategy = "hybrid"
	StrategySchema Strategy = "schema"
)

// Record is a normalized product ready for output.
type Record struct {
	Name         string
	Amount       string
	Currency     string
	Specs        string
	Link         string
	Image        string
	SKU          string
	Brand        string
	Availability string
	Strategy     Strategy
}

// Price renders the amount with its currency, or the amount alone when the
// currency is unknown.
func (r Record) Price() string {
	if r.Currency == "" {
		return r.Amount
	}
	return r.Amount + " " + r.Currency
}

// Output is the wire shape of a Record.
type Output struct {
	Name  string `json:"name"`
	Price string `json:"price"`
	Specs string `json:"specs"`
	Link  string `json:"link"`
	Image string `json:"image"`
}

// Output converts the record to its wire shape.
func (r Record) Output() Output {
	return Output{
		Name:  r.Name,
		Price: r.Price(),
		Specs: r.Specs,
		Link:  r.Link,
		Image: r.Image,
	}
}

// Outputs converts a slice of records.
func Outputs(records []Record) []Output {
	out := make([]Output, 0, len(records))
	for _, r := range records {
		out = append(out, r.Output())
	}
	return out
}

// Finalize normalizes merged fields into a Record. An explicit currency wins
// over one inferred from the price text. The result is ErrEmptyResult when
// the name, price, or image is missing after normalization.
func Finalize(f Fields, link string, strategy Strategy) (Record, error) {
	amount, inferred := normalize.Price(f.Price.String())
	currency := strings.ToUpper(normalize.Text(f.Currency.String()))
	if currency == "" {
		currency = inferred
	}
	rec := Record{
		Name:         normalize.Text(f.Name.String()),
		Amount:       amount,
		Currency:     currency,
		Specs:        normalize.DedupSentences(normalize.Text(f.Description.String())),
		Link:         link,
		Image:        normalize.Space(firstImage(f.Images)),
		SKU:          normalize.Text(f.SKU.String()),
		Brand:        normalize.Text(f.Brand.String()),
		Availability: normalize.Text(f.Availability.String()),
		Strategy:     strategy,
	}

	var missing []string
	if rec.Name == "" {
		missing = append(missing, "name")
	}
	if rec.Amount == "" {
		missing = append(missing, "price")
	}
	if rec.Image == "" {
		missing = append(missing, "image")
	}
	if len(missing) > 0 {
		return Record{}, fmt.Errorf("%w: missing %s", ErrEmptyResult, strings.Join(missing, ", "))
	}
	return rec, nil
}
