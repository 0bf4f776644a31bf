package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

// ObjectStorage stores chunk, document and derived objects.
type ObjectStorage interface {
	// Put publishes the object only once data has been fully written.
	Put(ctx context.Context, key string, data io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete is idempotent: deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	EnsureArea(ctx context.Context, prefix string) error
}

// SessionStore persists upload sessions. Every mutation is a single atomic write
// guarded on the session being in-progress and unexpired.
type SessionStore interface {
	Create(ctx context.Context, session *domain.UploadSession) error
	Get(ctx context.Context, id string) (*domain.UploadSession, error)
	AddChunk(ctx context.Context, id string, index int, now time.Time) (*domain.UploadSession, error)
	MarkCompleted(ctx context.Context, id, finalKey string, now time.Time) error
	MarkFailed(ctx context.Context, id string, now time.Time) error
	Delete(ctx context.Context, id string) error
}

// DocumentRepository persists document records partitioned by user.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	Get(ctx context.Context, userID, id string) (*domain.Document, error)
	// Replace overwrites the record only while its stored revision still equals doc.Revision,
	// then bumps doc.Revision. A stale revision fails with ErrConflict.
	Replace(ctx context.Context, doc *domain.Document) error
	Delete(ctx context.Context, userID, id string) error
	List(ctx context.Context, userID string, filter domain.ListFilter) (domain.DocumentPage, error)
}

// MessageQueue publishes and consumes processing messages with at-least-once delivery.
type MessageQueue interface {
	PublishProcessing(ctx context.Context, msg domain.ProcessingMessage) error
	Consume(ctx context.Context, handler func(context.Context, domain.Delivery) error) error
}

// TextExtractor extracts plain text from stored content of supported types.
type TextExtractor interface {
	Supports(contentType string) bool
	Extract(ctx context.Context, contentType string, body io.Reader) (string, error)
}

// ThumbnailGenerator renders a bounded preview image.
type ThumbnailGenerator interface {
	Supports(contentType string) bool
	Generate(ctx context.Context, body io.Reader) ([]byte, error)
}

// Tagger derives tags and the search blob from a document and its text.
type Tagger interface {
	GenerateTags(fileName, text string) []string
	BuildSearchText(doc *domain.Document, tags []string, text string) string
}

// ExpiredSessionLister is implemented by session stores that can enumerate abandoned sessions.
type ExpiredSessionLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}
