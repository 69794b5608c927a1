package extract

import (
	"bytes"
	"strings"

	readability "codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const readabilityMinWords = 30

// MainContent returns the page title and its main content as markdown. It
// tries readability first and falls back to the plain text walk when the
// article is too thin, which is typical for product grids.
func (d *Document) MainContent() (title, content string) {
	article, err := readability.FromReader(bytes.NewReader(d.Raw), d.URL)
	if err == nil && article.Node != nil {
		if md, mdErr := htmltomarkdown.ConvertNode(article.Node); mdErr == nil {
			text := strings.TrimSpace(string(md))
			if len(strings.Fields(text)) >= readabilityMinWords {
				return firstNonEmpty(article.Title(), d.Title()), text
			}
		}
		var buf bytes.Buffer
		if renderErr := article.RenderText(&buf); renderErr == nil {
			text := collapseLines(buf.String())
			if len(strings.Fields(text)) >= readabilityMinWords {
				return firstNonEmpty(article.Title(), d.Title()), text
			}
		}
	}
	return d.Title(), d.Text()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
