package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

const maxReviseAttempts = 5

// errSkipWrite lets a mutation decide, after seeing the latest record, that nothing should be written.
var errSkipWrite = errors.New("document write skipped")

// reviseDocument reads the latest record, applies mutate and writes it back. When another writer
// got there first the whole read-mutate-write is repeated, so mutate must be safe to rerun.
func reviseDocument(
	ctx context.Context,
	repo ports.DocumentRepository,
	userID, documentID string,
	mutate func(doc *domain.Document) error,
) (*domain.Document, error) {
	for attempt := 1; ; attempt++ {
		doc, err := repo.Get(ctx, userID, documentID)
		if err != nil {
			return nil, err
		}
		if err := mutate(doc); err != nil {
			return doc, err
		}
		err = repo.Replace(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !domain.IsKind(err, domain.ErrConflict) || attempt >= maxReviseAttempts {
			return nil, err
		}
		slog.Debug("document_write_conflict", "document_id", documentID, "attempt", attempt)
	}
}
