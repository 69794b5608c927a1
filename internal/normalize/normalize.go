// Package normalize cleans text pulled out of product pages.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// CurrencyVND is the tag applied to prices written with ₫, VND or đ.
const CurrencyVND = "VND"

var (
	tagRe         = regexp.MustCompile(`<[^>]+>`)
	unicodeEscRe  = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	priceTokenRe  = regexp.MustCompile(`\d[\d.,]*`)
	emptyLabelRe  = regexp.MustCompile(`:\s*\.?$`)
	mojibakeHints = []string{`\u`, "ƒ", "√"}
	vndMarkers    = []string{"₫", "VND", "đ"}

	// Mis-decoded UTF-8 usually came through one of these single-byte codecs.
	reencoders = []encoding.Encoding{charmap.ISO8859_1, charmap.Windows1252}
)

// Space collapses runs of whitespace into single spaces and trims the ends.
func Space(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripTags removes anything that looks like an HTML tag.
func StripTags(s string) string {
	return tagRe.ReplaceAllString(s, "")
}

// Text applies the full cleanup used on every extracted string field:
// mojibake repair, whitespace collapse, and tag stripping.
func Text(s string) string {
	s = FixMojibake(s)
	s = Space(s)
	s = StripTags(s)
	return Space(s)
}

// FixMojibake makes a best-effort attempt to repair text that was decoded
// with the wrong charset. Text without any of the usual symptoms is returned
// unchanged, as is text that cannot be repaired.
func FixMojibake(s string) string {
	if !hasMojibakeHint(s) {
		return s
	}
	if strings.Contains(s, `\u`) {
		s = unicodeEscRe.ReplaceAllStringFunc(s, func(m string) string {
			code, err := strconv.ParseUint(m[2:], 16, 32)
			if err != nil {
				return m
			}
			return string(rune(code))
		})
	}
	for _, enc := range reencoders {
		raw, err := enc.NewEncoder().String(s)
		if err != nil {
			continue
		}
		if utf8.ValidString(raw) {
			return raw
		}
		break
	}
	return s
}

func hasMojibakeHint(s string) bool {
	for _, hint := range mojibakeHints {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

// Price pulls the numeric token out of a price string and tags the currency
// when the text carries a Vietnamese dong marker. Thousands separators written
// as commas are dropped first, so "1,250,000₫" becomes "1250000". When no
// digits are present the cleaned input is returned as-is.
func Price(s string) (amount, currency string) {
	s = Text(s)
	if s == "" {
		return "", ""
	}
	for _, marker := range vndMarkers {
		if strings.Contains(s, marker) {
			currency = CurrencyVND
			break
		}
	}
	token := priceTokenRe.FindString(strings.ReplaceAll(s, ",", ""))
	if token == "" {
		return s, currency
	}
	return strings.TrimRight(token, "."), currency
}

// DedupSentences removes repeated and value-less segments from specification
// text. The text is split on ".", each segment is whitespace-collapsed,
// segments that end in a bare label ("Bảo hành:") are dropped, exact
// duplicates keep their first occurrence, and the result is re-joined with
// ". " and terminated by a period. Empty input yields "".
func DedupSentences(s string) string {
	parts := strings.Split(s, ".")
	seen := make(map[string]struct{}, len(parts))
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		segment := Space(part)
		if segment == "" || emptyLabelRe.MatchString(segment) {
			continue
		}
		if _, dup := seen[segment]; dup {
			continue
		}
		seen[segment] = struct{}{}
		kept = append(kept, segment)
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, ". ") + "."
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
