// Package product holds the product record model and the fill-if-absent merge
// used to combine partial extractor output.
package product

import "strings"

// Value is an optional string. The zero value is absent.
type Value struct {
	v  string
	ok bool
}

// Some wraps s, treating blank strings as absent.
func Some(s string) Value {
	if strings.TrimSpace(s) == "" {
		return Value{}
	}
	return Value{v: s, ok: true}
}

// None is the absent Value.
func None() Value {
	return Value{}
}

// Get returns the wrapped string and whether it is present.
func (v Value) Get() (string, bool) {
	return v.v, v.ok
}

// String returns the wrapped string, or "" when absent.
func (v Value) String() string {
	return v.v
}

// IsSet reports whether the value is present.
func (v Value) IsSet() bool {
	return v.ok
}

// Or returns v when present, otherwise fallback.
func (v Value) Or(fallback Value) Value {
	if v.ok {
		return v
	}
	return fallback
}

// Fields is the partial output of one extractor.
type Fields struct {
	Name         Value
	Description  Value
	Price        Value
	Currency     Value
	Images       []string
	SKU          Value
	Brand        Value
	Availability Value
	Rating       Value
	ReviewCount  Value
}

// Merge fills every field still absent in f from lower, leaving fields that
// f already carries untouched. Calling Merge in extractor priority order
// yields the same result for the same inputs.
func (f Fields) Merge(lower Fields) Fields {
	out := Fields{
		Name:         f.Name.Or(lower.Name),
		Description:  f.Description.Or(lower.Description),
		Price:        f.Price.Or(lower.Price),
		Currency:     f.Currency.Or(lower.Currency),
		SKU:          f.SKU.Or(lower.SKU),
		Brand:        f.Brand.Or(lower.Brand),
		Availability: f.Availability.Or(lower.Availability),
		Rating:       f.Rating.Or(lower.Rating),
		ReviewCount:  f.ReviewCount.Or(lower.ReviewCount),
	}
	if len(f.Images) > 0 {
		out.Images = append([]string(nil), f.Images...)
	} else if len(lower.Images) > 0 {
		out.Images = append([]string(nil), lower.Images...)
	}
	return out
}

// Missing lists the record fields (name, price, description, image) that are
// still absent.
func (f Fields) Missing() []string {
	var missing []string
	if !f.Name.IsSet() {
		missing = append(missing, "name")
	}
	if !f.Price.IsSet() {
		missing = append(missing, "price")
	}
	if !f.Description.IsSet() {
		missing = append(missing, "description")
	}
	if firstImage(f.Images) == "" {
		missing = append(missing, "image")
	}
	return missing
}

// Complete reports whether no record field is missing.
func (f Fields) Complete() bool {
	return len(f.Missing()) == 0
}

// Empty reports whether no field at all is present.
func (f Fields) Empty() bool {
	if len(f.Images) > 0 {
		return false
	}
	for _, v := range []Value{
		f.Name, f.Description, f.Price, f.Currency, f.SKU,
		f.Brand, f.Availability, f.Rating, f.ReviewCount,
	} {
		if v.IsSet() {
			return false
		}
	}
	return true
}

func firstImage(images []string) string {
	for _, img := range images {
		if s := strings.TrimSpace(img); s != "" {
			return s
		}
	}
	return ""
}
