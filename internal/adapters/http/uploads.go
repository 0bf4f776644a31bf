package httpadapter

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

type initUploadRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	TotalSize   int64  `json:"total_size"`
	TotalChunks int    `json:"total_chunks"`
}

type initUploadResponse struct {
	SessionID   string              `json:"session_id"`
	Status      domain.UploadStatus `json:"status"`
	ChunkSize   int64               `json:"chunk_size"`
	TotalChunks int                 `json:"total_chunks"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

type sessionResponse struct {
	SessionID      string              `json:"session_id"`
	Status         domain.UploadStatus `json:"status"`
	ReceivedChunks []int               `json:"received_chunks"`
	UploadedCount  int                 `json:"uploaded_count"`
	TotalChunks    int                 `json:"total_chunks"`
	Percentage     float64             `json:"percentage"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

func toSessionResponse(s *domain.UploadSession) sessionResponse {
	p := s.Progress()
	return sessionResponse{
		SessionID:      s.ID,
		Status:         s.Status,
		ReceivedChunks: s.ReceivedChunks,
		UploadedCount:  p.UploadedCount,
		TotalChunks:    p.TotalChunks,
		Percentage:     p.Percentage,
		ExpiresAt:      s.ExpiresAt,
	}
}

func (rt *Router) initUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req initUploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := rt.uploads.InitializeSession(r.Context(), ports.InitializeSessionInput{
		FileName:    req.FileName,
		ContentType: req.ContentType,
		TotalSize:   req.TotalSize,
		TotalChunks: req.TotalChunks,
		UserID:      userID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, initUploadResponse{
		SessionID:   session.ID,
		Status:      session.Status,
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
		ExpiresAt:   session.ExpiresAt,
	})
}

// ownedSession loads the session named in the path. Sessions of other users are reported
// as missing so ids cannot be enumerated.
func (rt *Router) ownedSession(w http.ResponseWriter, r *http.Request) (*domain.UploadSession, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}
	id := r.PathValue("id")
	session, found, err := rt.uploads.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !found || session.UserID != userID {
		writeError(w, r, domain.WrapError(domain.ErrSessionNotFound, "load upload session", fmt.Errorf("id=%s", id)))
		return nil, false
	}
	return session, true
}

func (rt *Router) getUpload(w http.ResponseWriter, r *http.Request) {
	session, ok := rt.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (rt *Router) uploadChunk(w http.ResponseWriter, r *http.Request) {
	session, ok := rt.ownedSession(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse chunk index", err))
		return
	}

	// No chunk may be larger than the session's fixed chunk size.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, session.ChunkSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = domain.WrapError(domain.ErrInvalidInput, "read chunk", fmt.Errorf("chunk exceeds %d bytes", session.ChunkSize))
		}
		rt.recordChunk(0, err)
		writeError(w, r, err)
		return
	}

	updated, err := rt.uploads.UploadChunk(r.Context(), session.ID, index, body)
	rt.recordChunk(len(body), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(updated))
}

func (rt *Router) recordChunk(size int, err error) {
	if rt.metrics != nil {
		rt.metrics.RecordChunk(serviceName, size, err)
	}
}

func (rt *Router) completeUpload(w http.ResponseWriter, r *http.Request) {
	session, ok := rt.ownedSession(w, r)
	if !ok {
		return
	}
	doc, err := rt.ingest.CompleteChunkedUpload(r.Context(), session.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUploadCompleted(serviceName, "chunked")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": doc.ID,
		"status":      doc.Status,
	})
}

func (rt *Router) cancelUpload(w http.ResponseWriter, r *http.Request) {
	session, ok := rt.ownedSession(w, r)
	if !ok {
		return
	}
	rt.uploads.CleanupFailedUpload(r.Context(), session.ID)
	w.WriteHeader(http.StatusNoContent)
}
