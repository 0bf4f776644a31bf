package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

// SessionRepository stores upload sessions. Chunk indices live in a JSONB array that is
// merged in a single UPDATE, so concurrent chunk uploads never lose an index.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, user_id, file_name, content_type, total_size, total_chunks, chunk_size,
	received_chunks, status, final_key, created_at, updated_at, expires_at`

func (r *SessionRepository) Create(ctx context.Context, s *domain.UploadSession) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO upload_sessions (`+sessionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,'[]'::jsonb,$8,'',$9,$10,$11)
`,
		s.ID, s.UserID, s.FileName, s.ContentType, s.TotalSize, s.TotalChunks, s.ChunkSize,
		string(s.Status), s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert upload session", fmt.Errorf("id=%s", s.ID))
		}
		return fmt.Errorf("insert upload session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM upload_sessions
WHERE id = $1
`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "get upload session", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan upload session: %w", err)
	}
	return &s, nil
}

// AddChunk unions index into the received set, guarded on status and expiry.
func (r *SessionRepository) AddChunk(ctx context.Context, id string, index int, now time.Time) (*domain.UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE upload_sessions
SET received_chunks = (
		SELECT COALESCE(jsonb_agg(c ORDER BY c), '[]'::jsonb)
		FROM (
			SELECT jsonb_array_elements_text(received_chunks)::int AS c
			UNION
			SELECT $2::int
		) merged
	),
	updated_at = $3
WHERE id = $1 AND status = 'in-progress' AND expires_at > $3
RETURNING `+sessionColumns, id, index, now)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.explainRejected(ctx, "add chunk", id, now)
		}
		return nil, fmt.Errorf("add chunk: %w", err)
	}
	return &s, nil
}

func (r *SessionRepository) MarkCompleted(ctx context.Context, id, finalKey string, now time.Time) error {
	return r.transition(ctx, "mark session completed", id, domain.UploadCompleted, finalKey, now)
}

func (r *SessionRepository) MarkFailed(ctx context.Context, id string, now time.Time) error {
	return r.transition(ctx, "mark session failed", id, domain.UploadFailed, "", now)
}

// transition moves an in-progress session forward. The WHERE clause makes terminal states final.
func (r *SessionRepository) transition(ctx context.Context, op, id string, to domain.UploadStatus, finalKey string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE upload_sessions
SET status = $2, final_key = $3, updated_at = $4
WHERE id = $1 AND status = 'in-progress'
`, id, string(to), finalKey, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return r.explainRejected(ctx, op, id, time.Time{})
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete upload session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete upload session rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "delete upload session", fmt.Errorf("id=%s", id))
	}
	return nil
}

// ListExpired returns ids of in-progress sessions whose expiry has passed.
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM upload_sessions
WHERE status = 'in-progress' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return ids, nil
}

// explainRejected maps a guarded write that matched no row to not-found or invalid-state.
func (r *SessionRepository) explainRejected(ctx context.Context, op, id string, now time.Time) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != domain.UploadInProgress {
		return domain.WrapError(domain.ErrInvalidState, op, fmt.Errorf("session %s is %s", id, s.Status))
	}
	if !now.IsZero() && s.IsExpired(now) {
		return domain.WrapError(domain.ErrSessionNotFound, op, fmt.Errorf("session %s expired", id))
	}
	return domain.WrapError(domain.ErrConflict, op, fmt.Errorf("session %s changed concurrently", id))
}

func scanSession(row rowScanner) (domain.UploadSession, error) {
	var s domain.UploadSession
	var status string
	var chunksRaw []byte
	err := row.Scan(
		&s.ID, &s.UserID, &s.FileName, &s.ContentType, &s.TotalSize, &s.TotalChunks, &s.ChunkSize,
		&chunksRaw, &status, &s.FinalKey, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return domain.UploadSession{}, err
	}
	if err := json.Unmarshal(chunksRaw, &s.ReceivedChunks); err != nil {
		return domain.UploadSession{}, fmt.Errorf("unmarshal received chunks: %w", err)
	}
	s.ReceivedChunks = domain.NormalizeChunks(s.ReceivedChunks)
	s.Status = domain.UploadStatus(status)
	return s, nil
}
