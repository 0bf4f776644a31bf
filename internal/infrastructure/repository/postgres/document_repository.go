package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the document and upload session tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	user_id TEXT NOT NULL,
	id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	storage_key TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	ocr_completed BOOLEAN NOT NULL DEFAULT FALSE,
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	thumbnail_key TEXT NOT NULL DEFAULT '',
	search_text TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ,
	processing_duration_ms BIGINT NOT NULL DEFAULT 0,
	versions JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	revision BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, id)
);

ALTER TABLE documents ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_documents_user_created ON documents(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_documents_user_status ON documents(user_id, status);

CREATE TABLE IF NOT EXISTS upload_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	total_size BIGINT NOT NULL,
	total_chunks INTEGER NOT NULL,
	chunk_size BIGINT NOT NULL,
	received_chunks JSONB NOT NULL DEFAULT '[]'::jsonb,
	status TEXT NOT NULL,
	final_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_sessions_expires ON upload_sessions(expires_at) WHERE status = 'in-progress';
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const documentColumns = `user_id, id, file_name, content_type, size, storage_key, title, description, category,
	status, error_message, extracted_text, ocr_completed, tags, thumbnail_key, search_text,
	processed_at, processing_duration_ms, versions, created_at, updated_at, revision`

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	args, err := documentArgs(doc)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert document", fmt.Errorf("id=%s", doc.ID))
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Get(ctx context.Context, userID, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE user_id = $1 AND id = $2
`, userID, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// Replace overwrites every mutable column of the record identified by (user_id, id), provided
// nobody wrote it since doc was read.
func (r *DocumentRepository) Replace(ctx context.Context, doc *domain.Document) error {
	args, err := documentArgs(doc)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET file_name = $3, content_type = $4, size = $5, storage_key = $6, title = $7, description = $8,
	category = $9, status = $10, error_message = $11, extracted_text = $12, ocr_completed = $13,
	tags = $14, thumbnail_key = $15, search_text = $16, processed_at = $17,
	processing_duration_ms = $18, versions = $19, created_at = $20, updated_at = $21,
	revision = revision + 1
WHERE user_id = $1 AND id = $2 AND revision = $22
`, args...)
	if err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace document rows affected: %w", err)
	}
	if rows == 0 {
		return r.replaceMiss(ctx, doc)
	}
	doc.Revision++
	return nil
}

// replaceMiss tells a deleted record from one written concurrently.
func (r *DocumentRepository) replaceMiss(ctx context.Context, doc *domain.Document) error {
	var stored int64
	err := r.db.QueryRowContext(ctx,
		`SELECT revision FROM documents WHERE user_id = $1 AND id = $2`, doc.UserID, doc.ID,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.WrapError(domain.ErrDocumentNotFound, "replace document", fmt.Errorf("id=%s", doc.ID))
	case err != nil:
		return fmt.Errorf("check document revision: %w", err)
	}
	return domain.WrapError(domain.ErrConflict, "replace document",
		fmt.Errorf("id=%s revision %d is stale, stored %d", doc.ID, doc.Revision, stored))
}

func (r *DocumentRepository) Delete(ctx context.Context, userID, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id=%s", id))
	}
	return nil
}

// List returns one page of a user's documents, newest first. One extra row is fetched
// to decide whether another page exists.
func (r *DocumentRepository) List(ctx context.Context, userID string, filter domain.ListFilter) (domain.DocumentPage, error) {
	filter = filter.Normalize()
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE user_id = $1
	AND ($2 = '' OR status = $2)
	AND ($3 = '' OR search_text LIKE '%' || $3 || '%')
ORDER BY created_at DESC, id
LIMIT $4 OFFSET $5
`, userID, string(filter.Status), filter.Query, filter.PageSize+1, filter.Offset)
	if err != nil {
		return domain.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Document, 0, filter.PageSize)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return domain.DocumentPage{}, fmt.Errorf("scan listed document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return domain.DocumentPage{}, fmt.Errorf("iterate documents: %w", err)
	}

	page := domain.DocumentPage{Items: items}
	if len(items) > filter.PageSize {
		page.Items = items[:filter.PageSize]
		page.HasMore = true
		page.NextOffset = filter.Offset + filter.PageSize
	}
	return page, nil
}

func documentArgs(doc *domain.Document) ([]any, error) {
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	versions := doc.Versions
	if versions == nil {
		versions = []domain.DocumentVersion{}
	}
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return nil, fmt.Errorf("marshal versions: %w", err)
	}
	var processedAt sql.NullTime
	if doc.ProcessedAt != nil {
		processedAt = sql.NullTime{Time: *doc.ProcessedAt, Valid: true}
	}
	return []any{
		doc.UserID, doc.ID, doc.FileName, doc.ContentType, doc.Size, doc.StorageKey,
		doc.Title, doc.Description, doc.Category, string(doc.Status), doc.Error,
		doc.ExtractedText, doc.OCRCompleted, tagsJSON, doc.ThumbnailKey, doc.SearchText,
		processedAt, doc.ProcessingDuration.Milliseconds(), versionsJSON, doc.CreatedAt, doc.UpdatedAt,
		doc.Revision,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var doc domain.Document
	var status string
	var tagsRaw, versionsRaw []byte
	var processedAt sql.NullTime
	var durationMS int64

	err := row.Scan(
		&doc.UserID, &doc.ID, &doc.FileName, &doc.ContentType, &doc.Size, &doc.StorageKey,
		&doc.Title, &doc.Description, &doc.Category, &status, &doc.Error,
		&doc.ExtractedText, &doc.OCRCompleted, &tagsRaw, &doc.ThumbnailKey, &doc.SearchText,
		&processedAt, &durationMS, &versionsRaw, &doc.CreatedAt, &doc.UpdatedAt, &doc.Revision,
	)
	if err != nil {
		return domain.Document{}, err
	}

	if err := json.Unmarshal(tagsRaw, &doc.Tags); err != nil {
		return domain.Document{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(versionsRaw, &doc.Versions); err != nil {
		return domain.Document{}, fmt.Errorf("unmarshal versions: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	doc.ProcessingDuration = time.Duration(durationMS) * time.Millisecond
	doc.Status = domain.DocumentStatus(status)
	return doc, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
