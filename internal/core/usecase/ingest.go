package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

// chunkedUploads is the part of the upload coordinator the orchestrator composes on.
type chunkedUploads interface {
	CompleteUpload(ctx context.Context, sessionID string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*domain.UploadSession, bool, error)
	ReleaseSession(ctx context.Context, sessionID string)
}

type IngestDocumentUseCase struct {
	repo    ports.DocumentRepository
	storage ports.ObjectStorage
	queue   ports.MessageQueue
	uploads chunkedUploads
	tagger  ports.Tagger
	now     func() time.Time
}

func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	uploads chunkedUploads,
	tagger ports.Tagger,
) *IngestDocumentUseCase {
	return &IngestDocumentUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
		uploads: uploads,
		tagger:  tagger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// documentIDForSession keeps completion retries from creating a second document.
func documentIDForSession(sessionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("upload-session:"+sessionID)).String()
}

// CompleteChunkedUpload merges a finished session, records exactly one document for it and
// enqueues it for processing. A failed enqueue is logged and does not fail the upload.
func (uc *IngestDocumentUseCase) CompleteChunkedUpload(ctx context.Context, sessionID string) (*domain.Document, error) {
	finalKey, err := uc.uploads.CompleteUpload(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session, found, err := uc.uploads.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reload upload session: %w", err)
	}
	if !found {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "complete chunked upload", fmt.Errorf("session %s", sessionID))
	}

	now := uc.now()
	doc := &domain.Document{
		ID:          documentIDForSession(sessionID),
		UserID:      session.UserID,
		FileName:    session.FileName,
		ContentType: session.ContentType,
		Size:        session.TotalSize,
		StorageKey:  finalKey,
		Status:      domain.StatusUploaded,
		Tags:        []string{},
		Versions:    []domain.DocumentVersion{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	doc.SearchText = uc.tagger.BuildSearchText(doc, nil, "")

	if err := uc.repo.Create(ctx, doc); err != nil {
		if !domain.IsKind(err, domain.ErrConflict) {
			return nil, fmt.Errorf("create document metadata: %w", err)
		}
		existing, getErr := uc.repo.Get(ctx, session.UserID, doc.ID)
		if getErr != nil {
			return nil, fmt.Errorf("load existing document: %w", getErr)
		}
		doc = existing
		if doc.Status != domain.StatusUploaded {
			uc.uploads.ReleaseSession(ctx, sessionID)
			return doc, nil
		}
	}

	uc.enqueue(ctx, doc)
	uc.uploads.ReleaseSession(ctx, sessionID)
	return doc, nil
}

func (uc *IngestDocumentUseCase) Upload(ctx context.Context, in ports.UploadInput) (*domain.Document, error) {
	const op = "upload document"
	if strings.TrimSpace(in.UserID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("user id is required"))
	}
	if strings.TrimSpace(in.FileName) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("file name is required"))
	}
	if in.Body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("file body is required"))
	}

	storageKey := finalObjectKey(in.UserID, in.FileName)
	counter := &countingReader{r: in.Body}
	if err := uc.storage.Put(ctx, storageKey, counter); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}
	if counter.n == 0 {
		uc.deleteQuietly(ctx, storageKey)
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("file is empty"))
	}

	now := uc.now()
	doc := &domain.Document{
		ID:          uuid.NewString(),
		UserID:      strings.TrimSpace(in.UserID),
		FileName:    strings.TrimSpace(in.FileName),
		ContentType: normalizeContentType(in.ContentType),
		Size:        counter.n,
		StorageKey:  storageKey,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Category:    strings.TrimSpace(in.Category),
		Status:      domain.StatusUploaded,
		Tags:        []string{},
		Versions:    []domain.DocumentVersion{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	doc.SearchText = uc.tagger.BuildSearchText(doc, nil, "")

	if err := uc.repo.Create(ctx, doc); err != nil {
		uc.deleteQuietly(ctx, storageKey)
		return nil, fmt.Errorf("create document metadata: %w", err)
	}

	uc.enqueue(ctx, doc)
	return doc, nil
}

// UploadNewVersion archives the current content pointer and makes the new content current.
func (uc *IngestDocumentUseCase) UploadNewVersion(
	ctx context.Context,
	userID, documentID, fileName, contentType string,
	body io.Reader,
) (*domain.Document, error) {
	const op = "upload new version"
	if body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("file body is required"))
	}
	doc, err := uc.repo.Get(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(fileName) == "" {
		fileName = doc.FileName
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = doc.ContentType
	}

	storageKey := finalObjectKey(userID, fileName)
	counter := &countingReader{r: body}
	if err := uc.storage.Put(ctx, storageKey, counter); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}
	if counter.n == 0 {
		uc.deleteQuietly(ctx, storageKey)
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("file is empty"))
	}

	size := counter.n
	fileName = strings.TrimSpace(fileName)
	contentType = normalizeContentType(contentType)
	doc, err = reviseDocument(ctx, uc.repo, userID, documentID, func(current *domain.Document) error {
		now := uc.now()
		current.Versions = append(current.Versions, domain.DocumentVersion{
			StorageKey: current.StorageKey,
			Size:       current.Size,
			CreatedAt:  now,
		})
		current.StorageKey = storageKey
		current.Size = size
		current.FileName = fileName
		current.ContentType = contentType
		current.Status = domain.StatusUploaded
		current.Error = ""
		current.UpdatedAt = now
		return nil
	})
	if err != nil {
		uc.deleteQuietly(ctx, storageKey)
		return nil, fmt.Errorf("replace document metadata: %w", err)
	}

	uc.enqueue(ctx, doc)
	return doc, nil
}

// UpdateMetadata edits the user-declared fields of a document.
func (uc *IngestDocumentUseCase) UpdateMetadata(
	ctx context.Context,
	userID, documentID string,
	update domain.DocumentUpdate,
) (*domain.Document, error) {
	const op = "update document metadata"
	if update.IsEmpty() {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("nothing to update"))
	}
	if update.Status != nil || update.Error != nil || update.ExtractedText != nil || update.OCRCompleted != nil ||
		update.Tags != nil || update.ThumbnailKey != nil || update.SearchText != nil ||
		update.ProcessedAt != nil || update.ProcessingDuration != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("only title, description and category are editable"))
	}

	doc, err := reviseDocument(ctx, uc.repo, userID, documentID, func(current *domain.Document) error {
		update.Apply(current)
		current.SearchText = uc.tagger.BuildSearchText(current, current.Tags, current.ExtractedText)
		current.UpdatedAt = uc.now()
		return nil
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("replace document metadata: %w", err)
	}
	return doc, nil
}

// Delete removes the record and, best-effort, every object it points to.
func (uc *IngestDocumentUseCase) Delete(ctx context.Context, userID, documentID string) error {
	doc, err := uc.repo.Get(ctx, userID, documentID)
	if err != nil {
		return err
	}
	if err := uc.repo.Delete(ctx, userID, documentID); err != nil {
		return fmt.Errorf("delete document metadata: %w", err)
	}

	uc.deleteQuietly(ctx, doc.StorageKey)
	for _, v := range doc.Versions {
		uc.deleteQuietly(ctx, v.StorageKey)
	}
	if doc.ThumbnailKey != "" {
		uc.deleteQuietly(ctx, doc.ThumbnailKey)
	}

	slog.Info("document_deleted", "document_id", documentID, "user_id", userID, "versions", len(doc.Versions))
	return nil
}

func (uc *IngestDocumentUseCase) Get(ctx context.Context, userID, documentID string) (*domain.Document, error) {
	return uc.repo.Get(ctx, userID, documentID)
}

func (uc *IngestDocumentUseCase) List(ctx context.Context, userID string, filter domain.ListFilter) (domain.DocumentPage, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.DocumentPage{}, domain.WrapError(domain.ErrInvalidInput, "list documents", errors.New("user id is required"))
	}
	return uc.repo.List(ctx, userID, filter.Normalize())
}

func (uc *IngestDocumentUseCase) DownloadURL(ctx context.Context, userID, documentID string, ttl time.Duration) (string, error) {
	doc, err := uc.repo.Get(ctx, userID, documentID)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	url, err := uc.storage.PresignGet(ctx, doc.StorageKey, ttl)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// Reprocess re-enqueues a document whose processing never finished.
func (uc *IngestDocumentUseCase) Reprocess(ctx context.Context, userID, documentID string) error {
	doc, err := uc.repo.Get(ctx, userID, documentID)
	if err != nil {
		return err
	}
	if doc.Status == domain.StatusProcessed {
		return domain.WrapError(domain.ErrInvalidState, "reprocess document", fmt.Errorf("document %s already processed", documentID))
	}
	if err := uc.queue.PublishProcessing(ctx, domain.NewProcessingMessage(doc, uc.now())); err != nil {
		return fmt.Errorf("publish processing message: %w", err)
	}
	slog.Info("document_reprocess_enqueued", "document_id", doc.ID, "status", string(doc.Status))
	return nil
}

func (uc *IngestDocumentUseCase) enqueue(ctx context.Context, doc *domain.Document) {
	if err := uc.queue.PublishProcessing(ctx, domain.NewProcessingMessage(doc, uc.now())); err != nil {
		slog.Error("processing_enqueue_failed",
			"document_id", doc.ID,
			"user_id", doc.UserID,
			"error", err,
		)
		return
	}
	slog.Info("processing_enqueued", "document_id", doc.ID, "storage_key", doc.StorageKey)
}

func (uc *IngestDocumentUseCase) deleteQuietly(ctx context.Context, key string) {
	if err := uc.storage.Delete(ctx, key); err != nil {
		slog.Warn("object_delete_failed", "key", key, "error", err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == "/" {
		base = ""
	}
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "document.bin"
	}
	return base
}
