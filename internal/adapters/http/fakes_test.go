package httpadapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
)

type fakeUploads struct {
	mu        sync.Mutex
	sessions  map[string]*domain.UploadSession
	chunks    map[int][]byte
	initCalls int
	cleaned   []string
	uploadErr error
}

func newFakeUploads() *fakeUploads {
	return &fakeUploads{sessions: make(map[string]*domain.UploadSession), chunks: make(map[int][]byte)}
}

func (f *fakeUploads) add(s domain.UploadSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = &s
}

func (f *fakeUploads) InitializeSession(_ context.Context, in ports.InitializeSessionInput) (*domain.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if int64(in.TotalChunks) > in.TotalSize {
		return nil, domain.WrapError(domain.ErrInvalidInput, "initialize session", fmt.Errorf("too many chunks"))
	}
	s := &domain.UploadSession{
		ID:          fmt.Sprintf("s-%d", f.initCalls),
		UserID:      in.UserID,
		FileName:    in.FileName,
		TotalSize:   in.TotalSize,
		TotalChunks: in.TotalChunks,
		ChunkSize:   domain.ChunkSizeFor(in.TotalSize, in.TotalChunks),
		Status:      domain.UploadInProgress,
		ExpiresAt:   time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeUploads) UploadChunk(_ context.Context, sessionID string, index int, body []byte) (*domain.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	s := f.sessions[sessionID]
	f.chunks[index] = body
	s.ReceivedChunks = domain.NormalizeChunks(append(s.ReceivedChunks, index))
	return s, nil
}

func (f *fakeUploads) CompleteUpload(context.Context, string) (string, error) {
	return "", fmt.Errorf("not used by the router")
}

func (f *fakeUploads) CleanupFailedUpload(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, sessionID)
	delete(f.sessions, sessionID)
}

func (f *fakeUploads) GetSession(_ context.Context, sessionID string) (*domain.UploadSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (f *fakeUploads) GetProgress(ctx context.Context, sessionID string) (domain.UploadProgress, bool, error) {
	s, ok, err := f.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return domain.UploadProgress{}, ok, err
	}
	return s.Progress(), true, nil
}

// fakeDocuments implements both the ingest and the read/edit contracts.
type fakeDocuments struct {
	mu          sync.Mutex
	docs        map[string]*domain.Document
	completeErr error
	uploaded    []ports.UploadInput
	lastFilter  domain.ListFilter
	reprocessed []string
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: make(map[string]*domain.Document)}
}

func (f *fakeDocuments) CompleteChunkedUpload(_ context.Context, sessionID string) (*domain.Document, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &domain.Document{ID: "doc-" + sessionID, Status: domain.StatusUploaded}, nil
}

func (f *fakeDocuments) Upload(_ context.Context, in ports.UploadInput) (*domain.Document, error) {
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, in)
	doc := &domain.Document{ID: "doc-1", UserID: in.UserID, FileName: in.FileName, Title: in.Title, Size: int64(len(raw)), Status: domain.StatusUploaded}
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocuments) UploadNewVersion(_ context.Context, userID, documentID, fileName, _ string, body io.Reader) (*domain.Document, error) {
	doc, err := f.Get(context.Background(), userID, documentID)
	if err != nil {
		return nil, err
	}
	raw, _ := io.ReadAll(body)
	doc.Versions = append(doc.Versions, domain.DocumentVersion{StorageKey: doc.StorageKey, Size: doc.Size})
	doc.FileName = fileName
	doc.Size = int64(len(raw))
	return doc, nil
}

func (f *fakeDocuments) Reprocess(_ context.Context, userID, documentID string) error {
	if _, err := f.Get(context.Background(), userID, documentID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reprocessed = append(f.reprocessed, documentID)
	return nil
}

func (f *fakeDocuments) Get(_ context.Context, userID, documentID string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok || doc.UserID != userID {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", documentID))
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocuments) List(_ context.Context, _ string, filter domain.ListFilter) (domain.DocumentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return domain.DocumentPage{Items: []domain.Document{}}, nil
}

func (f *fakeDocuments) UpdateMetadata(ctx context.Context, userID, documentID string, update domain.DocumentUpdate) (*domain.Document, error) {
	doc, err := f.Get(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	update.Apply(doc)
	return doc, nil
}

func (f *fakeDocuments) Delete(ctx context.Context, userID, documentID string) error {
	if _, err := f.Get(ctx, userID, documentID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, documentID)
	return nil
}

func (f *fakeDocuments) DownloadURL(ctx context.Context, userID, documentID string, ttl time.Duration) (string, error) {
	if _, err := f.Get(ctx, userID, documentID); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://files.test/%s?ttl=%d", documentID, int(ttl.Seconds())), nil
}

func testConfig() config.Config {
	return config.Config{
		APIValidateOpenAPI: true,
		UploadMaxFileSize:  1 << 20,
		DownloadURLTTL:     10 * time.Minute,
	}
}

func newTestHandler(cfg config.Config, uploads *fakeUploads, docs *fakeDocuments, opts ...Option) http.Handler {
	return NewRouter(cfg, uploads, docs, docs, opts...).Handler()
}
