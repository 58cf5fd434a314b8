package report

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxSummary = 200

// summarizeBody turns an error response body into one short line.
// Gateways in front of the API answer with HTML pages; for those the page
// title and visible text are extracted instead of dumping markup into logs.
func summarizeBody(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	if strings.Contains(strings.ToLower(contentType), "html") || bytes.HasPrefix(trimmed, []byte("<")) {
		if s := summarizeHTML(trimmed); s != "" {
			return s
		}
	}
	return truncate(collapseSpace(string(trimmed)))
}

func summarizeHTML(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript").Remove()

	title := collapseSpace(doc.Find("title").First().Text())
	text := visibleText(doc.Find("body"))
	switch {
	case title == "":
		return truncate(text)
	case text == "":
		return truncate(title)
	case strings.HasPrefix(text, title):
		return truncate(text)
	default:
		return truncate(title + ": " + text)
	}
}

// visibleText joins text nodes with spaces so adjacent blocks do not run together.
func visibleText(sel *goquery.Selection) string {
	var parts []string
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				if t := collapseSpace(c.Text()); t != "" {
					parts = append(parts, t)
				}
				return
			}
			walk(c)
		})
	}
	walk(sel)
	return strings.Join(parts, " ")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxSummary {
		return s
	}
	return string(r[:maxSummary]) + "…"
}
