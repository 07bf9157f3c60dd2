package translate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

var ErrUnsupportedContent = errors.New("unsupported content type")

// Extractor turns binary content into indexable text.
type Extractor interface {
	Extract(contentType string, data []byte) (string, error)
}

type ExtractorFunc func(contentType string, data []byte) (string, error)

func (f ExtractorFunc) Extract(contentType string, data []byte) (string, error) {
	return f(contentType, data)
}

// Registry dispatches on the media type. An empty content type is sniffed
// from the data.
type Registry struct {
	byType map[string]Extractor
}

// DefaultRegistry handles text/plain, text/html and JSON or XML text.
func DefaultRegistry() *Registry {
	r := &Registry{byType: make(map[string]Extractor)}
	r.Register("text/plain", ExtractorFunc(PlainText))
	r.Register("text/html", ExtractorFunc(HTMLText))
	r.Register("application/xhtml+xml", ExtractorFunc(HTMLText))
	r.Register("application/json", ExtractorFunc(PlainText))
	r.Register("text/xml", ExtractorFunc(PlainText))
	r.Register("text/csv", ExtractorFunc(PlainText))
	return r
}

func (r *Registry) Register(mediaType string, e Extractor) {
	r.byType[mediaType] = e
}

func (r *Registry) Extract(contentType string, data []byte) (string, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse content type %q: %w", contentType, err)
	}
	e, ok := r.byType[mt]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, mt)
	}
	return e.Extract(mt, data)
}

func PlainText(_ string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.New("content is not valid UTF-8")
	}
	return string(data), nil
}

// HTMLText returns the text nodes of an HTML document separated by single
// spaces, skipping script and style elements.
func HTMLText(_ string, data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var (
		parts []string
		skip  int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return strings.Join(parts, " "), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if s := strings.Join(strings.Fields(string(z.Text())), " "); s != "" {
				parts = append(parts, s)
			}
		}
	}
}

func isHidden(tag []byte) bool {
	t := string(tag)
	return t == "script" || t == "style"
}
