package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type InitializeSessionInput struct {
	FileName    string
	ContentType string
	TotalSize   int64
	TotalChunks int
	UserID      string
}

// ChunkUploader is the inbound contract for chunked upload sessions.
type ChunkUploader interface {
	InitializeSession(ctx context.Context, in InitializeSessionInput) (*domain.UploadSession, error)
	UploadChunk(ctx context.Context, sessionID string, chunkIndex int, body []byte) (*domain.UploadSession, error)
	CompleteUpload(ctx context.Context, sessionID string) (string, error)
	CleanupFailedUpload(ctx context.Context, sessionID string)
	GetSession(ctx context.Context, sessionID string) (*domain.UploadSession, bool, error)
	GetProgress(ctx context.Context, sessionID string) (domain.UploadProgress, bool, error)
}

type UploadInput struct {
	UserID      string
	FileName    string
	ContentType string
	Title       string
	Description string
	Category    string
	Body        io.Reader
}

// DocumentIngestor is the inbound contract for document upload orchestration.
type DocumentIngestor interface {
	Upload(ctx context.Context, in UploadInput) (*domain.Document, error)
	CompleteChunkedUpload(ctx context.Context, sessionID string) (*domain.Document, error)
	UploadNewVersion(ctx context.Context, userID, documentID, fileName, contentType string, body io.Reader) (*domain.Document, error)
	Reprocess(ctx context.Context, userID, documentID string) error
}

// DocumentManager is the inbound read/edit model for document records.
type DocumentManager interface {
	Get(ctx context.Context, userID, documentID string) (*domain.Document, error)
	List(ctx context.Context, userID string, filter domain.ListFilter) (domain.DocumentPage, error)
	UpdateMetadata(ctx context.Context, userID, documentID string, update domain.DocumentUpdate) (*domain.Document, error)
	Delete(ctx context.Context, userID, documentID string) error
	DownloadURL(ctx context.Context, userID, documentID string, ttl time.Duration) (string, error)
}

// DocumentProcessor is the inbound contract for asynchronous document processing.
type DocumentProcessor interface {
	Process(ctx context.Context, msg domain.ProcessingMessage) error
}
