package spreadsheet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/document-vault/internal/infrastructure/extractor"
)

var supported = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":    true,
	"application/vnd.ms-excel.sheet.macroenabled.12":                       true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.template": true,
}

type Extractor struct {
	maxBytes int64
}

func NewExtractor(maxBytes int64) *Extractor {
	return &Extractor{maxBytes: maxBytes}
}

func (e *Extractor) Supports(contentType string) bool {
	return supported[extractor.MediaType(contentType)]
}

// Extract renders every sheet as tab-separated rows, each sheet prefixed by its name.
func (e *Extractor) Extract(ctx context.Context, _ string, body io.Reader) (string, error) {
	raw, err := extractor.ReadLimited(body, e.maxBytes)
	if err != nil {
		return "", err
	}
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		b.WriteString(sheet)
		b.WriteByte('\n')
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t")
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String()), nil
}
