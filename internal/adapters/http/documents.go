package httpadapter

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

type updateDocumentRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
}

// multipartFile opens the "file" field of a multipart request bounded by the upload size limit.
func (rt *Router) multipartFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	if rt.cfg.UploadMaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.UploadMaxFileSize+multipartMemoryBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "read upload", errors.New("file exceeds the upload size limit")))
			return nil, nil, false
		}
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "read upload", errors.New("multipart field 'file' is required")))
		return nil, nil, false
	}
	return file, header, true
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	file, header, ok := rt.multipartFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	doc, err := rt.ingest.Upload(r.Context(), ports.UploadInput{
		UserID:      userID,
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Category:    r.FormValue("category"),
		Body:        file,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUploadCompleted(serviceName, "direct")
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := domain.ListFilter{
		Status: domain.DocumentStatus(strings.TrimSpace(q.Get("status"))),
		Query:  q.Get("q"),
	}
	var err error
	if filter.PageSize, err = intParam(q.Get("page_size")); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse page_size", err))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse offset", err))
		return
	}

	page, err := rt.docs.List(r.Context(), userID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	doc, err := rt.docs.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) updateDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req updateDocumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := rt.docs.UpdateMetadata(r.Context(), userID, r.PathValue("id"), domain.DocumentUpdate{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := rt.docs.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) uploadVersion(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	file, header, ok := rt.multipartFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	doc, err := rt.ingest.UploadNewVersion(r.Context(), userID, r.PathValue("id"), header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUploadCompleted(serviceName, "version")
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := rt.ingest.Reprocess(r.Context(), userID, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": id, "status": "queued"})
}

// downloadDocument returns a time-limited URL, or redirects to it with ?redirect=true.
func (rt *Router) downloadDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	ttl := rt.cfg.DownloadURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	url, err := rt.docs.DownloadURL(r.Context(), userID, r.PathValue("id"), ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": time.Now().UTC().Add(ttl),
	})
}

// serveBlob streams a locally stored object to holders of a valid signed grant.
func (rt *Router) serveBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()
	if err := rt.blobs.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		writeError(w, r, err)
		return
	}
	body, err := rt.blobs.Get(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
