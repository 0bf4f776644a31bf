package plaintext

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/extractor"
)

var textTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/x-yaml":     true,
	"application/yaml":       true,
	"application/javascript": true,
}

type Extractor struct {
	maxBytes int64
}

func NewExtractor(maxBytes int64) *Extractor {
	return &Extractor{maxBytes: maxBytes}
}

func (e *Extractor) Supports(contentType string) bool {
	ct := extractor.MediaType(contentType)
	return strings.HasPrefix(ct, "text/") || textTypes[ct]
}

func (e *Extractor) Extract(_ context.Context, contentType string, body io.Reader) (string, error) {
	raw, err := extractor.ReadLimited(body, e.maxBytes)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract plain text", fmt.Errorf("content labelled %s is not valid UTF-8", contentType))
	}
	return strings.TrimSpace(string(raw)), nil
}
