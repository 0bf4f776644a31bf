package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/infrastructure/extractor"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

var imageTypes = map[string]string{
	"image/png":  "upload.png",
	"image/jpeg": "upload.jpg",
	"image/jpg":  "upload.jpg",
	"image/tiff": "upload.tiff",
	"image/bmp":  "upload.bmp",
	"image/webp": "upload.webp",
}

type Options struct {
	Endpoint string
	Timeout  time.Duration
	// MinConfidence drops recognized lines scored below it.
	MinConfidence      float64
	MaxBytes           int64
	HTTPClient         *http.Client
	ResilienceExecutor *resilience.Executor
}

// Extractor sends images to a PaddleOCR-style HTTP service as multipart field "image"
// and joins the recognized lines.
type Extractor struct {
	endpoint      string
	client        *http.Client
	minConfidence float64
	maxBytes      int64
	executor      *resilience.Executor
}

func NewExtractor(opts Options) *Extractor {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Extractor{
		endpoint:      strings.TrimSpace(opts.Endpoint),
		client:        client,
		minConfidence: opts.MinConfidence,
		maxBytes:      opts.MaxBytes,
		executor:      opts.ResilienceExecutor,
	}
}

func (e *Extractor) Supports(contentType string) bool {
	if e.endpoint == "" {
		return false
	}
	_, ok := imageTypes[extractor.MediaType(contentType)]
	return ok
}

func (e *Extractor) Extract(ctx context.Context, contentType string, body io.Reader) (string, error) {
	raw, err := extractor.ReadLimited(body, e.maxBytes)
	if err != nil {
		return "", err
	}
	filename := imageTypes[extractor.MediaType(contentType)]
	if filename == "" {
		filename = "upload.bin"
	}

	var resp []byte
	err = e.executor.Execute(ctx, "ocr.recognize", func(ctx context.Context) error {
		out, err := e.post(ctx, filename, raw)
		if err != nil {
			return err
		}
		resp = out
		return nil
	}, classifyOCRError)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	lines, err := parseResponse(resp, e.minConfidence)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func (e *Extractor) post(ctx context.Context, filename string, data []byte) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fw, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if len(e.body) > 200 {
		return fmt.Sprintf("ocr http %d: %s...", e.code, e.body[:200])
	}
	return fmt.Sprintf("ocr http %d: %s", e.code, e.body)
}

func classifyOCRError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyTransport(err); ok {
		return class
	}
	var se *statusError
	if errors.As(err, &se) {
		if se.code >= 500 || se.code == http.StatusTooManyRequests {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

// parseResponse accepts a list of result objects, or a single object, whose "res" (or
// "data") entry is a list of [polygon, [text, score]] items. Flat [polygon, text, score]
// items are accepted too.
func parseResponse(raw []byte, minConfidence float64) ([]string, error) {
	var results []map[string]any
	if err := json.Unmarshal(raw, &results); err != nil {
		var single map[string]any
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("decode ocr response: %w", err)
		}
		results = []map[string]any{single}
	}

	lines := make([]string, 0)
	for _, result := range results {
		entries, ok := result["res"].([]any)
		if !ok {
			entries, _ = result["data"].([]any)
		}
		for _, entry := range entries {
			text, score, ok := parseEntry(entry)
			if !ok || strings.TrimSpace(text) == "" {
				continue
			}
			if score >= 0 && score < minConfidence {
				continue
			}
			lines = append(lines, strings.TrimSpace(text))
		}
	}
	return lines, nil
}

// parseEntry returns score -1 when the item carries none.
func parseEntry(entry any) (string, float64, bool) {
	parts, ok := entry.([]any)
	if !ok {
		return "", 0, false
	}
	text, score, found := "", -1.0, false
	for _, part := range parts {
		switch v := part.(type) {
		case string:
			text, found = v, true
		case float64:
			if v >= 0 && v <= 1 {
				score = v
			}
		case []any:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok {
					text, found = s, true
					if len(v) > 1 {
						if f, ok := v[1].(float64); ok {
							score = f
						}
					}
				}
			}
		}
	}
	return text, score, found
}
