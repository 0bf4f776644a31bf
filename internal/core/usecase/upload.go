package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

type UploadLimits struct {
	MaxChunks   int
	MaxFileSize int64
	SessionTTL  time.Duration
}

type ChunkUploadUseCase struct {
	sessions ports.SessionStore
	storage  ports.ObjectStorage
	limits   UploadLimits
	now      func() time.Time
}

func NewChunkUploadUseCase(
	sessions ports.SessionStore,
	storage ports.ObjectStorage,
	limits UploadLimits,
) *ChunkUploadUseCase {
	if limits.SessionTTL <= 0 {
		limits.SessionTTL = domain.DefaultSessionTTL
	}
	return &ChunkUploadUseCase{
		sessions: sessions,
		storage:  storage,
		limits:   limits,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func tempPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/", sessionID)
}

func chunkKey(sessionID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunk_%06d", sessionID, index)
}

func finalObjectKey(userID, fileName string) string {
	return fmt.Sprintf("documents/%s/%s/%s", sanitizeFilename(userID), uuid.NewString(), sanitizeFilename(fileName))
}

func (uc *ChunkUploadUseCase) InitializeSession(ctx context.Context, in ports.InitializeSessionInput) (*domain.UploadSession, error) {
	if err := uc.validateInit(in); err != nil {
		return nil, err
	}

	now := uc.now()
	session := &domain.UploadSession{
		ID:             uuid.NewString(),
		UserID:         strings.TrimSpace(in.UserID),
		FileName:       strings.TrimSpace(in.FileName),
		ContentType:    normalizeContentType(in.ContentType),
		TotalSize:      in.TotalSize,
		TotalChunks:    in.TotalChunks,
		ChunkSize:      domain.ChunkSizeFor(in.TotalSize, in.TotalChunks),
		ReceivedChunks: []int{},
		Status:         domain.UploadInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(uc.limits.SessionTTL),
	}

	if err := uc.storage.EnsureArea(ctx, tempPrefix(session.ID)); err != nil {
		return nil, fmt.Errorf("prepare temporary upload area: %w", err)
	}
	if err := uc.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}

	slog.Info("upload_session_created",
		"session_id", session.ID,
		"user_id", session.UserID,
		"total_chunks", session.TotalChunks,
		"total_size", session.TotalSize,
	)
	return session, nil
}

func (uc *ChunkUploadUseCase) validateInit(in ports.InitializeSessionInput) error {
	const op = "initialize upload session"
	switch {
	case strings.TrimSpace(in.FileName) == "":
		return domain.WrapError(domain.ErrInvalidInput, op, errors.New("file name is required"))
	case strings.TrimSpace(in.UserID) == "":
		return domain.WrapError(domain.ErrInvalidInput, op, errors.New("user id is required"))
	case in.TotalSize <= 0:
		return domain.WrapError(domain.ErrInvalidInput, op, errors.New("total size must be positive"))
	case in.TotalChunks <= 0:
		return domain.WrapError(domain.ErrInvalidInput, op, errors.New("total chunks must be positive"))
	case int64(in.TotalChunks) > in.TotalSize:
		return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("total chunks %d exceeds total size %d", in.TotalChunks, in.TotalSize))
	case uc.limits.MaxChunks > 0 && in.TotalChunks > uc.limits.MaxChunks:
		return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("total chunks %d exceeds limit %d", in.TotalChunks, uc.limits.MaxChunks))
	case uc.limits.MaxFileSize > 0 && in.TotalSize > uc.limits.MaxFileSize:
		return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("total size %d exceeds limit %d", in.TotalSize, uc.limits.MaxFileSize))
	}
	return nil
}

// loadActive returns a session that is in-progress and unexpired.
func (uc *ChunkUploadUseCase) loadActive(ctx context.Context, op, sessionID string) (*domain.UploadSession, error) {
	session, err := uc.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.UploadInProgress {
		return session, domain.WrapError(domain.ErrInvalidState, op, fmt.Errorf("session %s is %s", sessionID, session.Status))
	}
	if session.IsExpired(uc.now()) {
		return nil, domain.WrapError(domain.ErrSessionNotFound, op, fmt.Errorf("session %s expired", sessionID))
	}
	return session, nil
}

func (uc *ChunkUploadUseCase) UploadChunk(ctx context.Context, sessionID string, chunkIndex int, body []byte) (*domain.UploadSession, error) {
	const op = "upload chunk"
	session, err := uc.loadActive(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.ValidIndex(chunkIndex) {
		return nil, domain.WrapError(domain.ErrInvalidInput, op,
			fmt.Errorf("chunk index %d out of range [0,%d)", chunkIndex, session.TotalChunks))
	}
	if len(body) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("chunk body is empty"))
	}
	if session.HasChunk(chunkIndex) {
		return session, nil
	}

	if err := uc.storage.Put(ctx, chunkKey(sessionID, chunkIndex), bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("store chunk %d: %w", chunkIndex, err)
	}

	updated, err := uc.sessions.AddChunk(ctx, sessionID, chunkIndex, uc.now())
	if err != nil {
		return nil, fmt.Errorf("record chunk %d: %w", chunkIndex, err)
	}
	return updated, nil
}

// CompleteUpload merges every chunk into the final object and returns its key.
// Completing an already completed session returns the existing key.
func (uc *ChunkUploadUseCase) CompleteUpload(ctx context.Context, sessionID string) (string, error) {
	const op = "complete upload"
	session, err := uc.loadActive(ctx, op, sessionID)
	if err != nil {
		if session != nil && session.Status == domain.UploadCompleted && session.FinalKey != "" {
			return session.FinalKey, nil
		}
		return "", err
	}

	if missing := session.MissingChunks(); len(missing) > 0 {
		return "", &domain.MissingChunkError{
			SessionID: sessionID,
			Index:     missing[0],
			Missing:   len(missing),
			Total:     session.TotalChunks,
		}
	}

	finalKey := finalObjectKey(session.UserID, session.FileName)
	if err := uc.merge(ctx, session, finalKey); err != nil {
		uc.deleteQuietly(ctx, finalKey)
		if key, ok := uc.completedElsewhere(ctx, sessionID); ok {
			return key, nil
		}
		if failErr := uc.sessions.MarkFailed(ctx, sessionID, uc.now()); failErr != nil {
			slog.Error("upload_mark_failed_error", "session_id", sessionID, "error", failErr)
		}
		return "", fmt.Errorf("merge chunks: %w", err)
	}

	if err := uc.sessions.MarkCompleted(ctx, sessionID, finalKey, uc.now()); err != nil {
		uc.deleteQuietly(ctx, finalKey)
		if domain.IsKind(err, domain.ErrInvalidState) {
			if key, ok := uc.completedElsewhere(ctx, sessionID); ok {
				return key, nil
			}
		}
		return "", fmt.Errorf("mark session completed: %w", err)
	}

	uc.removeChunks(ctx, sessionID)

	slog.Info("upload_completed",
		"session_id", sessionID,
		"final_key", finalKey,
		"total_chunks", session.TotalChunks,
	)
	return finalKey, nil
}

// completedElsewhere reports the final key when a concurrent CompleteUpload already won the session.
func (uc *ChunkUploadUseCase) completedElsewhere(ctx context.Context, sessionID string) (string, bool) {
	current, err := uc.sessions.Get(ctx, sessionID)
	if err != nil || current.Status != domain.UploadCompleted || current.FinalKey == "" {
		return "", false
	}
	slog.Info("upload_completed_concurrently", "session_id", sessionID, "final_key", current.FinalKey)
	return current.FinalKey, true
}

// merge streams chunks into storage strictly by ascending index.
func (uc *ChunkUploadUseCase) merge(ctx context.Context, session *domain.UploadSession, finalKey string) error {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < session.TotalChunks; i++ {
			if err := uc.copyChunk(ctx, pw, session.ID, i); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	err := uc.storage.Put(ctx, finalKey, pr)
	// unblock the producer if Put returned without draining the pipe
	pr.CloseWithError(errors.New("merge aborted"))
	return err
}

func (uc *ChunkUploadUseCase) copyChunk(ctx context.Context, w io.Writer, sessionID string, index int) error {
	rc, err := uc.storage.Get(ctx, chunkKey(sessionID, index))
	if err != nil {
		return fmt.Errorf("open chunk %d: %w", index, err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("copy chunk %d: %w", index, err)
	}
	return nil
}

func (uc *ChunkUploadUseCase) removeChunks(ctx context.Context, sessionID string) {
	keys, err := uc.storage.ListByPrefix(ctx, tempPrefix(sessionID))
	if err != nil {
		slog.Warn("upload_temp_list_failed", "session_id", sessionID, "error", err)
		return
	}
	for _, key := range keys {
		uc.deleteQuietly(ctx, key)
	}
}

func (uc *ChunkUploadUseCase) deleteQuietly(ctx context.Context, key string) {
	if err := uc.storage.Delete(ctx, key); err != nil {
		slog.Warn("object_delete_failed", "key", key, "error", err)
	}
}

// CleanupFailedUpload removes temporary chunks and the session record. Failures are logged only.
func (uc *ChunkUploadUseCase) CleanupFailedUpload(ctx context.Context, sessionID string) {
	uc.removeChunks(ctx, sessionID)
	if err := uc.sessions.Delete(ctx, sessionID); err != nil && !domain.IsKind(err, domain.ErrSessionNotFound) {
		slog.Warn("upload_session_delete_failed", "session_id", sessionID, "error", err)
	}
}

// ReleaseSession drops the session record once its final object has been handed off.
func (uc *ChunkUploadUseCase) ReleaseSession(ctx context.Context, sessionID string) {
	if err := uc.sessions.Delete(ctx, sessionID); err != nil && !domain.IsKind(err, domain.ErrSessionNotFound) {
		slog.Warn("upload_session_release_failed", "session_id", sessionID, "error", err)
	}
}

func (uc *ChunkUploadUseCase) GetSession(ctx context.Context, sessionID string) (*domain.UploadSession, bool, error) {
	session, err := uc.sessions.Get(ctx, sessionID)
	if err != nil {
		if domain.IsKind(err, domain.ErrSessionNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if session.IsExpired(uc.now()) && session.Status == domain.UploadInProgress {
		return nil, false, nil
	}
	return session, true, nil
}

func (uc *ChunkUploadUseCase) GetProgress(ctx context.Context, sessionID string) (domain.UploadProgress, bool, error) {
	session, found, err := uc.GetSession(ctx, sessionID)
	if err != nil || !found {
		return domain.UploadProgress{}, false, err
	}
	return session.Progress(), true, nil
}

func normalizeContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// SweepExpired removes up to limit abandoned sessions together with their temporary chunks.
// Stores that cannot enumerate expired sessions are skipped.
func (uc *ChunkUploadUseCase) SweepExpired(ctx context.Context, limit int) (int, error) {
	lister, ok := uc.sessions.(ports.ExpiredSessionLister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.ListExpired(ctx, uc.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	for _, id := range ids {
		uc.CleanupFailedUpload(ctx, id)
	}
	if len(ids) > 0 {
		slog.Info("upload_sessions_swept", "count", len(ids))
	}
	return len(ids), nil
}
