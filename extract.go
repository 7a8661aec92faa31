package refetch

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

// ExtractPDFText returns the plain text of a PDF document. It is fully
// deterministic; no cache, rate limit or retry is applied.
func ExtractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("refetch: parsing pdf: %w", err)
	}

	text, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("refetch: extracting pdf text: %w", err)
	}

	var b strings.Builder
	if _, err := io.Copy(&b, text); err != nil {
		return "", fmt.Errorf("refetch: reading pdf text: %w", err)
	}
	return b.String(), nil
}

// ParseHTML parses an HTML document for downstream element queries.
func ParseHTML(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("refetch: parsing html: %w", err)
	}
	return doc, nil
}

// SelectElements returns the outer HTML of every element matching the CSS
// selector, in document order.
func SelectElements(html, selector string) ([]string, error) {
	doc, err := ParseHTML(html)
	if err != nil {
		return nil, err
	}

	var out []string
	var selErr error
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		markup, err := goquery.OuterHtml(s)
		if err != nil {
			selErr = err
			return false
		}
		out = append(out, markup)
		return true
	})
	if selErr != nil {
		return nil, fmt.Errorf("refetch: rendering selection: %w", selErr)
	}
	return out, nil
}

// ExtractTextContent returns the visible text of an HTML document with
// script, style and noscript elements stripped and whitespace collapsed.
func ExtractTextContent(html string) (string, error) {
	doc, err := ParseHTML(html)
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}
