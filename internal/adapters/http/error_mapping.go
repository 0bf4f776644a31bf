package httpadapter

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type errorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	RequestID    string `json:"request_id,omitempty"`
	MissingChunk *int   `json:"missing_chunk,omitempty"`
	MissingCount int    `json:"missing_count,omitempty"`
}

func mapErrorToHTTPStatus(err error) (int, string) {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case domain.IsKind(err, domain.ErrSessionNotFound),
		domain.IsKind(err, domain.ErrDocumentNotFound),
		domain.IsKind(err, domain.ErrObjectNotFound):
		return http.StatusNotFound, "not_found"
	case domain.IsKind(err, domain.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case domain.IsKind(err, domain.ErrIncompleteUpload):
		return http.StatusUnprocessableEntity, "incomplete_upload"
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable, "temporary"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapErrorToHTTPStatus(err)
	resp := errorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	var missing *domain.MissingChunkError
	if errors.As(err, &missing) {
		idx := missing.Index
		resp.MissingChunk = &idx
		resp.MissingCount = missing.Missing
	}
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed", "request_id", resp.RequestID, "path", r.URL.Path, "error", err)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}
