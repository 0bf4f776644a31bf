package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	areas   []string
	putErr  map[string]error
	getErr  error
	delErr  error
	deleted []string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), putErr: make(map[string]error)}
}

func (s *memStorage) Put(_ context.Context, key string, data io.Reader) error {
	s.mu.Lock()
	err := s.putErr[key]
	if err == nil {
		for prefix, e := range s.putErr {
			if strings.HasSuffix(prefix, "*") && strings.HasPrefix(key, strings.TrimSuffix(prefix, "*")) {
				err = e
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = raw
	return nil
}

func (s *memStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	raw, ok := s.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrObjectNotFound, "get object", fmt.Errorf("key %s", key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *memStorage) ListByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStorage) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://files.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (s *memStorage) EnsureArea(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.areas = append(s.areas, prefix)
	return nil
}

func (s *memStorage) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.objects[key]
	return raw, ok
}

func (s *memStorage) keysWithPrefix(prefix string) []string {
	keys, _ := s.ListByPrefix(context.Background(), prefix)
	return keys
}

// memSessionStore applies the same guarded writes as the real stores.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.UploadSession
	addErr   error
	failErr  error
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]domain.UploadSession)}
}

func cloneSession(s domain.UploadSession) *domain.UploadSession {
	s.ReceivedChunks = append([]int{}, s.ReceivedChunks...)
	return &s
}

func (m *memSessionStore) Create(_ context.Context, session *domain.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "create session", errors.New("exists"))
	}
	m.sessions[session.ID] = *cloneSession(*session)
	return nil
}

func (m *memSessionStore) Get(_ context.Context, id string) (*domain.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", fmt.Errorf("id %s", id))
	}
	return cloneSession(s), nil
}

func (m *memSessionStore) guarded(op, id string, now time.Time) (domain.UploadSession, error) {
	s, ok := m.sessions[id]
	if !ok || s.IsExpired(now) {
		return s, domain.WrapError(domain.ErrSessionNotFound, op, fmt.Errorf("id %s", id))
	}
	if s.Status != domain.UploadInProgress {
		return s, domain.WrapError(domain.ErrInvalidState, op, fmt.Errorf("status %s", s.Status))
	}
	return s, nil
}

func (m *memSessionStore) AddChunk(_ context.Context, id string, index int, now time.Time) (*domain.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return nil, m.addErr
	}
	s, err := m.guarded("add chunk", id, now)
	if err != nil {
		return nil, err
	}
	s.ReceivedChunks = domain.NormalizeChunks(append(append([]int{}, s.ReceivedChunks...), index))
	s.UpdatedAt = now
	m.sessions[id] = s
	return cloneSession(s), nil
}

func (m *memSessionStore) MarkCompleted(_ context.Context, id, finalKey string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guarded("mark completed", id, now)
	if err != nil {
		return err
	}
	s.Status = domain.UploadCompleted
	s.FinalKey = finalKey
	s.UpdatedAt = now
	m.sessions[id] = s
	return nil
}

func (m *memSessionStore) MarkFailed(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	s, err := m.guarded("mark failed", id, now)
	if err != nil {
		return err
	}
	s.Status = domain.UploadFailed
	s.UpdatedAt = now
	m.sessions[id] = s
	return nil
}

func (m *memSessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("id %s", id))
	}
	delete(m.sessions, id)
	return nil
}

func (m *memSessionStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for id, s := range m.sessions {
		if s.Status == domain.UploadInProgress && s.IsExpired(now) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// memDocumentRepo is a partitioned in-memory document store.
type memDocumentRepo struct {
	mu         sync.Mutex
	docs       map[string]domain.Document
	createErr  error
	getErr     error
	replaceErr error
	replaces   []domain.Document
	conflicts  int

	// replaceErrOn limits replaceErr to writes carrying this status.
	replaceErrOn domain.DocumentStatus
}

func newMemDocumentRepo() *memDocumentRepo {
	return &memDocumentRepo{docs: make(map[string]domain.Document)}
}

func docKey(userID, id string) string { return userID + "/" + id }

func cloneDocument(d domain.Document) *domain.Document {
	d.Tags = append([]string(nil), d.Tags...)
	d.Versions = append([]domain.DocumentVersion(nil), d.Versions...)
	return &d
}

func (r *memDocumentRepo) Create(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	key := docKey(doc.UserID, doc.ID)
	if _, ok := r.docs[key]; ok {
		return domain.WrapError(domain.ErrConflict, "create document", errors.New("exists"))
	}
	r.docs[key] = *cloneDocument(*doc)
	return nil
}

func (r *memDocumentRepo) Get(_ context.Context, userID, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	d, ok := r.docs[docKey(userID, id)]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id %s", id))
	}
	return cloneDocument(d), nil
}

func (r *memDocumentRepo) Replace(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaces = append(r.replaces, *cloneDocument(*doc))
	if r.replaceErr != nil && (r.replaceErrOn == "" || r.replaceErrOn == doc.Status) {
		return r.replaceErr
	}
	key := docKey(doc.UserID, doc.ID)
	stored, ok := r.docs[key]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "replace document", fmt.Errorf("id %s", doc.ID))
	}
	if stored.Revision != doc.Revision {
		r.conflicts++
		return domain.WrapError(domain.ErrConflict, "replace document",
			fmt.Errorf("id %s revision %d, stored %d", doc.ID, doc.Revision, stored.Revision))
	}
	doc.Revision++
	r.docs[key] = *cloneDocument(*doc)
	return nil
}

func (r *memDocumentRepo) Delete(_ context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := docKey(userID, id)
	if _, ok := r.docs[key]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id %s", id))
	}
	delete(r.docs, key)
	return nil
}

func (r *memDocumentRepo) List(_ context.Context, userID string, filter domain.ListFilter) (domain.DocumentPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	filter = filter.Normalize()
	items := make([]domain.Document, 0)
	for _, d := range r.docs {
		if d.UserID != userID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.Query != "" && !strings.Contains(d.SearchText, filter.Query) {
			continue
		}
		items = append(items, *cloneDocument(d))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if filter.Offset >= len(items) {
		return domain.DocumentPage{Items: []domain.Document{}}, nil
	}
	end := filter.Offset + filter.PageSize
	page := domain.DocumentPage{}
	if end < len(items) {
		page.HasMore = true
		page.NextOffset = end
	} else {
		end = len(items)
	}
	page.Items = items[filter.Offset:end]
	return page, nil
}

func (r *memDocumentRepo) only(t testing.TB) domain.Document {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) != 1 {
		t.Fatalf("expected exactly one document, got %d", len(r.docs))
	}
	for _, d := range r.docs {
		return d
	}
	return domain.Document{}
}

type memQueue struct {
	mu        sync.Mutex
	published []domain.ProcessingMessage
	err       error
}

func (q *memQueue) PublishProcessing(_ context.Context, msg domain.ProcessingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, msg)
	return nil
}

func (q *memQueue) Consume(context.Context, func(context.Context, domain.Delivery) error) error {
	return errors.New("not implemented")
}
