package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/document-vault/internal/infrastructure/extractor"
)

type Extractor struct {
	maxBytes int64
}

func NewExtractor(maxBytes int64) *Extractor {
	return &Extractor{maxBytes: maxBytes}
}

func (e *Extractor) Supports(contentType string) bool {
	return extractor.MediaType(contentType) == "application/pdf"
}

// Extract returns the plain text layer of the PDF. Scanned PDFs without a text layer
// yield an empty string, not an error.
func (e *Extractor) Extract(_ context.Context, _ string, body io.Reader) (text string, err error) {
	raw, err := extractor.ReadLimited(body, e.maxBytes)
	if err != nil {
		return "", err
	}
	// the parser panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read extracted text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
