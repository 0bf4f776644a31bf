package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

type ThumbnailOutcome string

const (
	ThumbnailCreated ThumbnailOutcome = "created"
	ThumbnailSkipped ThumbnailOutcome = "skipped"
	// ThumbnailPending marks document formats that need a page renderer.
	ThumbnailPending ThumbnailOutcome = "pending"
	ThumbnailFailed  ThumbnailOutcome = "failed"
)

// ProcessResult summarizes one pipeline run.
type ProcessResult struct {
	Tags         []string
	TextLength   int
	OCRCompleted bool
	Thumbnail    ThumbnailOutcome
	ThumbnailKey string
	Duration     time.Duration

	extractedText string
}

type ProcessDocumentUseCase struct {
	repo        ports.DocumentRepository
	storage     ports.ObjectStorage
	extractor   ports.TextExtractor
	thumbnailer ports.ThumbnailGenerator
	tagger      ports.Tagger
	now         func() time.Time
}

func NewProcessDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	thumbnailer ports.ThumbnailGenerator,
	tagger ports.Tagger,
) *ProcessDocumentUseCase {
	return &ProcessDocumentUseCase{
		repo:        repo,
		storage:     storage,
		extractor:   extractor,
		thumbnailer: thumbnailer,
		tagger:      tagger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func thumbnailKey(documentID string) string {
	return fmt.Sprintf("thumbnails/%s.jpg", documentID)
}

// Process runs the pipeline for one message. Every run recomputes its outputs from the stored
// object, so redelivery is safe. A returned error leaves retry to the queue.
func (uc *ProcessDocumentUseCase) Process(ctx context.Context, msg domain.ProcessingMessage) error {
	_, err := uc.Run(ctx, msg)
	return err
}

func (uc *ProcessDocumentUseCase) Run(ctx context.Context, msg domain.ProcessingMessage) (ProcessResult, error) {
	started := uc.now()

	doc, err := uc.markProcessing(ctx, msg)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			slog.Warn("process_document_gone", "document_id", msg.DocumentID, "user_id", msg.UserID)
			return ProcessResult{}, nil
		}
		return ProcessResult{}, uc.fail(ctx, msg, msg.StorageKey, fmt.Errorf("set status=processing: %w", err))
	}

	result := uc.runPipeline(ctx, doc)
	result.Duration = uc.now().Sub(started)

	if err := uc.persist(ctx, doc, result); err != nil {
		return result, uc.fail(ctx, msg, doc.StorageKey, err)
	}

	slog.Info("document_processed",
		"document_id", doc.ID,
		"tags", len(result.Tags),
		"text_length", result.TextLength,
		"ocr_completed", result.OCRCompleted,
		"thumbnail", string(result.Thumbnail),
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func (uc *ProcessDocumentUseCase) runPipeline(ctx context.Context, doc *domain.Document) ProcessResult {
	text, ocrCompleted := uc.extractText(ctx, doc)
	tags := uc.tagger.GenerateTags(doc.FileName, text)
	outcome, key := uc.generateThumbnail(ctx, doc)

	return ProcessResult{
		Tags:          tags,
		TextLength:    len(text),
		OCRCompleted:  ocrCompleted,
		Thumbnail:     outcome,
		ThumbnailKey:  key,
		extractedText: text,
	}
}

// extractText never fails the pipeline; unsupported or broken content yields no text.
func (uc *ProcessDocumentUseCase) extractText(ctx context.Context, doc *domain.Document) (string, bool) {
	if uc.extractor == nil || !uc.extractor.Supports(doc.ContentType) {
		return "", false
	}
	body, err := uc.storage.Get(ctx, doc.StorageKey)
	if err != nil {
		slog.Warn("extract_text_failed", "document_id", doc.ID, "stage", "open", "error", err)
		return "", false
	}
	defer body.Close()

	text, err := uc.extractor.Extract(ctx, doc.ContentType, body)
	if err != nil {
		slog.Warn("extract_text_failed", "document_id", doc.ID, "stage", "extract", "error", err)
		return "", false
	}
	return strings.TrimSpace(text), true
}

func (uc *ProcessDocumentUseCase) generateThumbnail(ctx context.Context, doc *domain.Document) (ThumbnailOutcome, string) {
	if strings.EqualFold(doc.ContentType, "application/pdf") {
		return ThumbnailPending, ""
	}
	if uc.thumbnailer == nil || !uc.thumbnailer.Supports(doc.ContentType) {
		return ThumbnailSkipped, ""
	}

	body, err := uc.storage.Get(ctx, doc.StorageKey)
	if err != nil {
		slog.Warn("thumbnail_failed", "document_id", doc.ID, "stage", "open", "error", err)
		return ThumbnailFailed, ""
	}
	defer body.Close()

	encoded, err := uc.thumbnailer.Generate(ctx, body)
	if err != nil {
		slog.Warn("thumbnail_failed", "document_id", doc.ID, "stage", "render", "error", err)
		return ThumbnailFailed, ""
	}

	key := thumbnailKey(doc.ID)
	if err := uc.storage.Put(ctx, key, bytes.NewReader(encoded)); err != nil {
		slog.Warn("thumbnail_failed", "document_id", doc.ID, "stage", "store", "error", err)
		return ThumbnailFailed, ""
	}
	return ThumbnailCreated, key
}

// markProcessing flips the latest record to processing and returns it. The pipeline always
// works on the content that is current at this point, even when msg names an older version.
func (uc *ProcessDocumentUseCase) markProcessing(ctx context.Context, msg domain.ProcessingMessage) (*domain.Document, error) {
	return reviseDocument(ctx, uc.repo, msg.UserID, msg.DocumentID, func(doc *domain.Document) error {
		if msg.StorageKey != "" && msg.StorageKey != doc.StorageKey {
			slog.Info("process_message_stale",
				"document_id", doc.ID,
				"message_key", msg.StorageKey,
				"current_key", doc.StorageKey,
			)
		}
		doc.Status = domain.StatusProcessing
		doc.Error = ""
		doc.UpdatedAt = uc.now()
		return nil
	})
}

// persist merges results into the latest record so concurrent metadata edits survive. Results
// for content that was replaced meanwhile are dropped; the new version has its own message.
func (uc *ProcessDocumentUseCase) persist(ctx context.Context, processed *domain.Document, result ProcessResult) error {
	_, err := reviseDocument(ctx, uc.repo, processed.UserID, processed.ID, func(current *domain.Document) error {
		if current.StorageKey != processed.StorageKey {
			slog.Info("process_superseded", "document_id", current.ID, "current_key", current.StorageKey)
			return errSkipWrite
		}

		now := uc.now()
		text := result.extractedText
		update := domain.DocumentUpdate{
			Status:             domain.StatusPtr(domain.StatusProcessed),
			Error:              domain.StringPtr(""),
			ExtractedText:      &text,
			OCRCompleted:       &result.OCRCompleted,
			Tags:               append([]string{}, result.Tags...),
			ProcessedAt:        &now,
			ProcessingDuration: &result.Duration,
		}
		if result.Thumbnail == ThumbnailCreated {
			update.ThumbnailKey = domain.StringPtr(result.ThumbnailKey)
		}
		update.Apply(current)
		current.SearchText = uc.tagger.BuildSearchText(current, current.Tags, text)
		current.UpdatedAt = now
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errSkipWrite):
		return nil
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		slog.Warn("process_document_gone", "document_id", processed.ID, "user_id", processed.UserID)
		if result.Thumbnail == ThumbnailCreated {
			if delErr := uc.storage.Delete(ctx, result.ThumbnailKey); delErr != nil {
				slog.Warn("object_delete_failed", "key", result.ThumbnailKey, "error", delErr)
			}
		}
		return nil
	}
	return fmt.Errorf("save processing results: %w", err)
}

const markFailedTimeout = 10 * time.Second

// fail records the failure best-effort and returns processErr unchanged. The write gets its own
// deadline because ctx may be the one that just expired.
func (uc *ProcessDocumentUseCase) fail(ctx context.Context, msg domain.ProcessingMessage, storageKey string, processErr error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markFailedTimeout)
	defer cancel()

	if failErr := uc.markFailed(writeCtx, msg, storageKey, processErr); failErr != nil {
		slog.Error("process_mark_failed_error",
			"document_id", msg.DocumentID,
			"error", failErr,
			"cause", processErr,
		)
	}
	return processErr
}

// markFailed leaves the record alone when its content is no longer the one that failed.
func (uc *ProcessDocumentUseCase) markFailed(ctx context.Context, msg domain.ProcessingMessage, storageKey string, processErr error) error {
	_, err := reviseDocument(ctx, uc.repo, msg.UserID, msg.DocumentID, func(doc *domain.Document) error {
		if storageKey != "" && doc.StorageKey != storageKey {
			return errSkipWrite
		}
		doc.Status = domain.StatusFailed
		doc.Error = processErr.Error()
		doc.UpdatedAt = uc.now()
		return nil
	})
	if errors.Is(err, errSkipWrite) {
		return nil
	}
	return err
}
