package extractor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

// DefaultMaxBytes caps how much of a stored object an extractor reads into memory.
const DefaultMaxBytes int64 = 64 << 20

// Composite routes content to the first registered extractor that supports its type.
type Composite struct {
	extractors []ports.TextExtractor
}

func NewComposite(extractors ...ports.TextExtractor) *Composite {
	out := make([]ports.TextExtractor, 0, len(extractors))
	for _, e := range extractors {
		if e != nil {
			out = append(out, e)
		}
	}
	return &Composite{extractors: out}
}

func (c *Composite) Supports(contentType string) bool {
	return c.pick(contentType) != nil
}

func (c *Composite) Extract(ctx context.Context, contentType string, body io.Reader) (string, error) {
	e := c.pick(contentType)
	if e == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("unsupported content type %q", contentType))
	}
	text, err := e.Extract(ctx, contentType, body)
	if err != nil {
		return "", err
	}
	return Sanitize(text), nil
}

func (c *Composite) pick(contentType string) ports.TextExtractor {
	for _, e := range c.extractors {
		if e.Supports(contentType) {
			return e
		}
	}
	return nil
}

// MediaType strips parameters and lower-cases a content type.
func MediaType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// ReadLimited reads body fully, failing when it exceeds max bytes.
func ReadLimited(body io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	raw, err := io.ReadAll(io.LimitReader(body, max+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if int64(len(raw)) > max {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read content", fmt.Errorf("content exceeds %d bytes", max))
	}
	return raw, nil
}

// Sanitize drops NUL and other non-printing control characters (Postgres text rejects NUL)
// and invalid UTF-8, keeping newlines and tabs.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			b.WriteRune(ch)
			continue
		}
		if ch < 0x20 || ch == 0x7f {
			continue
		}
		b.WriteRune(ch)
	}
	return strings.TrimSpace(b.String())
}
