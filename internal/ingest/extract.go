package ingest

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ExtractText converts a fetched or uploaded document to plain text based on
// its media type. Unknown types are treated as text.
func ExtractText(contentType string, data []byte) (string, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-")):
		return PDFToText(data)
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return HTMLToText(bytes.NewReader(data))
	default:
		return string(data), nil
	}
}

// skipElements hold no readable prose.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
	"head":     true,
}

// blockElements end a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true,
}

// HTMLToText returns the visible text of an HTML document with block
// elements separated by newlines.
func HTMLToText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parsing html: %w", err)
			}
			return collapseBlankLines(sb.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] && tt == html.StartTagToken {
				skip++
			}
			if blockElements[tag] {
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] && skip > 0 {
				skip--
			}
			if blockElements[tag] {
				sb.WriteString("\n")
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if text := strings.Join(strings.Fields(string(z.Text())), " "); text != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteString(" ")
				}
				sb.WriteString(text)
			}
		}
	}
}

// PDFToText extracts the plain text of every page of a PDF.
func PDFToText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	b, err := io.ReadAll(text)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return collapseBlankLines(string(b)), nil
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
