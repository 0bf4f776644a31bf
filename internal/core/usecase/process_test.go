package usecase

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/tagging"
)

type extractorFake struct {
	supported map[string]bool
	text      string
	err       error
	calls     int
	onExtract func()
}

func (f *extractorFake) Supports(contentType string) bool { return f.supported[contentType] }

func (f *extractorFake) Extract(_ context.Context, _ string, body io.Reader) (string, error) {
	f.calls++
	if f.onExtract != nil {
		f.onExtract()
	}
	if f.err != nil {
		return "", f.err
	}
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	return f.text, nil
}

type thumbnailerFake struct {
	out []byte
	err error
}

func (f *thumbnailerFake) Supports(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}

func (f *thumbnailerFake) Generate(context.Context, io.Reader) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

type processFixture struct {
	uc        *ProcessDocumentUseCase
	repo      *memDocumentRepo
	storage   *memStorage
	extractor *extractorFake
	thumbs    *thumbnailerFake
	doc       *domain.Document
}

func newProcessFixture(t *testing.T, fileName, contentType, text string) *processFixture {
	t.Helper()
	repo := newMemDocumentRepo()
	storage := newMemStorage()
	extractor := &extractorFake{
		supported: map[string]bool{"application/pdf": true, "image/png": true},
		text:      text,
	}
	thumbs := &thumbnailerFake{out: []byte("jpeg-bytes")}

	doc := &domain.Document{
		ID:          "doc-1",
		UserID:      "user-1",
		FileName:    fileName,
		ContentType: contentType,
		StorageKey:  "documents/user-1/abc/" + fileName,
		Status:      domain.StatusUploaded,
		Title:       "Scan",
		Tags:        []string{},
	}
	if err := repo.Create(context.Background(), doc); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := storage.Put(context.Background(), doc.StorageKey, strings.NewReader("raw bytes")); err != nil {
		t.Fatalf("seed object: %v", err)
	}

	return &processFixture{
		uc:        NewProcessDocumentUseCase(repo, storage, extractor, thumbs, tagging.NewTagger()),
		repo:      repo,
		storage:   storage,
		extractor: extractor,
		thumbs:    thumbs,
		doc:       doc,
	}
}

func (f *processFixture) message() domain.ProcessingMessage {
	return domain.NewProcessingMessage(f.doc, time.Now())
}

func statuses(docs []domain.Document) []domain.DocumentStatus {
	out := make([]domain.DocumentStatus, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Status)
	}
	return out
}

func TestProcessInvoicePDF(t *testing.T) {
	f := newProcessFixture(t, "skan_03.pdf", "application/pdf", "FAKTURA nr 7/2024 do zapłaty")

	result, err := f.uc.Run(context.Background(), f.message())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stored := f.repo.only(t)
	if stored.Status != domain.StatusProcessed {
		t.Fatalf("expected processed, got %s", stored.Status)
	}
	want := map[string]bool{"Finance": false, "2024": false, "PDF": false}
	for _, tag := range stored.Tags {
		if _, ok := want[tag]; ok {
			want[tag] = true
		}
	}
	for tag, seen := range want {
		if !seen {
			t.Fatalf("expected tag %s in %v", tag, stored.Tags)
		}
	}
	if !stored.OCRCompleted || stored.ExtractedText == "" {
		t.Fatalf("expected extracted text, got %+v", stored)
	}
	if stored.ProcessedAt == nil {
		t.Fatalf("expected processed timestamp")
	}
	if result.Thumbnail != ThumbnailPending || stored.ThumbnailKey != "" {
		t.Fatalf("expected pending thumbnail for pdf, got %s %q", result.Thumbnail, stored.ThumbnailKey)
	}
	if !strings.Contains(stored.SearchText, "faktura") || !strings.Contains(stored.SearchText, "scan") {
		t.Fatalf("unexpected search text %q", stored.SearchText)
	}

	got := statuses(f.repo.replaces)
	wantStatuses := []domain.DocumentStatus{domain.StatusProcessing, domain.StatusProcessed}
	if !reflect.DeepEqual(got, wantStatuses) {
		t.Fatalf("unexpected status sequence: %v", got)
	}
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	f := newProcessFixture(t, "report_2024.pdf", "application/pdf", "quarterly finance budget revenue")

	if err := f.uc.Process(context.Background(), f.message()); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	first := f.repo.only(t)

	if err := f.uc.Process(context.Background(), f.message()); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	second := f.repo.only(t)

	if first.Status != domain.StatusProcessed || second.Status != domain.StatusProcessed {
		t.Fatalf("expected processed twice, got %s then %s", first.Status, second.Status)
	}
	if !reflect.DeepEqual(first.Tags, second.Tags) {
		t.Fatalf("tags changed across runs: %v vs %v", first.Tags, second.Tags)
	}
	seen := map[string]bool{}
	for _, tag := range second.Tags {
		if seen[tag] {
			t.Fatalf("duplicate tag %s", tag)
		}
		seen[tag] = true
	}
	if first.SearchText != second.SearchText {
		t.Fatalf("search text changed across runs")
	}
}

func TestProcessExtractionFailureIsNonFatal(t *testing.T) {
	f := newProcessFixture(t, "umowa.pdf", "application/pdf", "")
	f.extractor.err = errors.New("corrupt xref table")

	if err := f.uc.Process(context.Background(), f.message()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	stored := f.repo.only(t)
	if stored.Status != domain.StatusProcessed || stored.OCRCompleted {
		t.Fatalf("expected processed without text, got %+v", stored)
	}
	if !reflect.DeepEqual(stored.Tags, []string{"Contracts", "PDF"}) {
		t.Fatalf("expected file-name tags, got %v", stored.Tags)
	}
}

func TestProcessImageStoresThumbnail(t *testing.T) {
	f := newProcessFixture(t, "receipt.png", "image/png", "paragon")

	result, err := f.uc.Run(context.Background(), f.message())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Thumbnail != ThumbnailCreated {
		t.Fatalf("expected thumbnail created, got %s", result.Thumbnail)
	}
	stored := f.repo.only(t)
	if stored.ThumbnailKey != "thumbnails/doc-1.jpg" {
		t.Fatalf("unexpected thumbnail key %q", stored.ThumbnailKey)
	}
	raw, ok := f.storage.object("thumbnails/doc-1.jpg")
	if !ok || string(raw) != "jpeg-bytes" {
		t.Fatalf("expected stored thumbnail, got %q", raw)
	}
}

func TestProcessThumbnailFailureIsNonFatal(t *testing.T) {
	f := newProcessFixture(t, "photo.png", "image/png", "")
	f.thumbs.err = errors.New("unsupported color model")

	result, err := f.uc.Run(context.Background(), f.message())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Thumbnail != ThumbnailFailed {
		t.Fatalf("expected failed thumbnail outcome, got %s", result.Thumbnail)
	}
	if stored := f.repo.only(t); stored.Status != domain.StatusProcessed || stored.ThumbnailKey != "" {
		t.Fatalf("unexpected document %+v", stored)
	}
}

func TestProcessUnsupportedTypeSkipsSteps(t *testing.T) {
	f := newProcessFixture(t, "notes.bin", "application/octet-stream", "ignored")

	result, err := f.uc.Run(context.Background(), f.message())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.extractor.calls != 0 || result.Thumbnail != ThumbnailSkipped {
		t.Fatalf("expected skipped steps, got calls=%d thumbnail=%s", f.extractor.calls, result.Thumbnail)
	}
	if stored := f.repo.only(t); stored.Status != domain.StatusProcessed {
		t.Fatalf("expected processed, got %s", stored.Status)
	}
}

func TestProcessPersistErrorMarksFailed(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "text")
	f.repo.replaceErr = errors.New("db down")
	f.repo.replaceErrOn = domain.StatusProcessed

	err := f.uc.Process(context.Background(), f.message())
	if err == nil || !strings.Contains(err.Error(), "save processing results") {
		t.Fatalf("expected persist error, got %v", err)
	}
	stored := f.repo.only(t)
	if stored.Status != domain.StatusFailed || !strings.Contains(stored.Error, "db down") {
		t.Fatalf("expected failed status with reason, got %+v", stored)
	}
}

func TestProcessMarkFailedErrorIsSwallowed(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "text")
	f.repo.replaceErr = errors.New("db down")

	err := f.uc.Process(context.Background(), f.message())
	if err == nil || !strings.Contains(err.Error(), "set status=processing") {
		t.Fatalf("expected original error, got %v", err)
	}
	if strings.Contains(err.Error(), "mark failed") {
		t.Fatalf("expected mark-failed error to be logged only, got %v", err)
	}
}

func TestProcessDeletedDocumentAcks(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "text")
	msg := f.message()
	if err := f.repo.Delete(context.Background(), "user-1", "doc-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if err := f.uc.Process(context.Background(), msg); err != nil {
		t.Fatalf("expected nil for deleted document, got %v", err)
	}
}

func TestProcessLoadErrorIsReturned(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "text")
	f.repo.getErr = errors.New("connection reset")

	if err := f.uc.Process(context.Background(), f.message()); err == nil {
		t.Fatalf("expected error")
	}
}

// racingRepo runs hook once, right after the n-th Get, to interleave another writer.
type racingRepo struct {
	*memDocumentRepo
	afterGet int
	gets     int
	hook     func()
}

func (r *racingRepo) Get(ctx context.Context, userID, id string) (*domain.Document, error) {
	doc, err := r.memDocumentRepo.Get(ctx, userID, id)
	r.gets++
	if r.gets == r.afterGet && r.hook != nil {
		hook := r.hook
		r.hook = nil
		hook()
	}
	return doc, err
}

// deadlineRepo fails once ctx is done, like a real driver.
type deadlineRepo struct {
	*memDocumentRepo
}

func (r deadlineRepo) Get(ctx context.Context, userID, id string) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.memDocumentRepo.Get(ctx, userID, id)
}

func (r deadlineRepo) Replace(ctx context.Context, doc *domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memDocumentRepo.Replace(ctx, doc)
}

func TestProcessKeepsVersionUploadedWhileStarting(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "faktura 2024")
	ingest := NewIngestDocumentUseCase(f.repo, f.storage, &memQueue{}, nil, tagging.NewTagger())

	var uploaded *domain.Document
	repo := &racingRepo{memDocumentRepo: f.repo, afterGet: 1, hook: func() {
		var err error
		uploaded, err = ingest.UploadNewVersion(context.Background(), "user-1", "doc-1", "b.pdf", "application/pdf", strings.NewReader("v2"))
		if err != nil {
			t.Fatalf("UploadNewVersion() error = %v", err)
		}
	}}
	uc := NewProcessDocumentUseCase(repo, f.storage, f.extractor, f.thumbs, tagging.NewTagger())

	if err := uc.Process(context.Background(), f.message()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	stored := f.repo.only(t)
	if uploaded == nil || stored.StorageKey != uploaded.StorageKey || stored.FileName != "b.pdf" {
		t.Fatalf("new version lost: key=%s file=%s", stored.StorageKey, stored.FileName)
	}
	if len(stored.Versions) != 1 || stored.Versions[0].StorageKey != "documents/user-1/abc/a.pdf" {
		t.Fatalf("version history lost: %+v", stored.Versions)
	}
	if stored.Status != domain.StatusProcessed {
		t.Fatalf("expected processed, got %s", stored.Status)
	}
	if f.repo.conflicts == 0 {
		t.Fatalf("expected the stale write to be rejected")
	}
	if _, ok := f.storage.object(uploaded.StorageKey); !ok {
		t.Fatalf("new content object missing")
	}
}

func TestProcessDropsResultsForReplacedContent(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "faktura 2024")
	ingest := NewIngestDocumentUseCase(f.repo, f.storage, &memQueue{}, nil, tagging.NewTagger())

	// second Get is the reload before results are saved
	repo := &racingRepo{memDocumentRepo: f.repo, afterGet: 2, hook: func() {
		if _, err := ingest.UploadNewVersion(context.Background(), "user-1", "doc-1", "b.pdf", "", strings.NewReader("v2")); err != nil {
			t.Fatalf("UploadNewVersion() error = %v", err)
		}
	}}
	uc := NewProcessDocumentUseCase(repo, f.storage, f.extractor, f.thumbs, tagging.NewTagger())

	if err := uc.Process(context.Background(), f.message()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	stored := f.repo.only(t)
	if stored.FileName != "b.pdf" || len(stored.Versions) != 1 {
		t.Fatalf("new version overwritten: %+v", stored)
	}
	if stored.Status != domain.StatusUploaded || stored.ProcessedAt != nil {
		t.Fatalf("results of the old content must not be saved, got %s", stored.Status)
	}
}

func TestProcessKeepsMetadataEditedDuringPipeline(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "faktura 2024")
	ingest := NewIngestDocumentUseCase(f.repo, f.storage, &memQueue{}, nil, tagging.NewTagger())

	repo := &racingRepo{memDocumentRepo: f.repo, afterGet: 2, hook: func() {
		title := "Invoice March"
		if _, err := ingest.UpdateMetadata(context.Background(), "user-1", "doc-1", domain.DocumentUpdate{Title: &title}); err != nil {
			t.Fatalf("UpdateMetadata() error = %v", err)
		}
	}}
	uc := NewProcessDocumentUseCase(repo, f.storage, f.extractor, f.thumbs, tagging.NewTagger())

	if err := uc.Process(context.Background(), f.message()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	stored := f.repo.only(t)
	if stored.Title != "Invoice March" || stored.Status != domain.StatusProcessed {
		t.Fatalf("expected edited title and processed status, got %q %s", stored.Title, stored.Status)
	}
	if !strings.Contains(stored.SearchText, "invoice march") {
		t.Fatalf("search text misses the edited title: %q", stored.SearchText)
	}
}

func TestProcessMarksFailedAfterDeadline(t *testing.T) {
	f := newProcessFixture(t, "a.pdf", "application/pdf", "text")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.extractor.onExtract = cancel

	uc := NewProcessDocumentUseCase(deadlineRepo{f.repo}, f.storage, f.extractor, f.thumbs, tagging.NewTagger())
	if err := uc.Process(ctx, f.message()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the deadline to surface, got %v", err)
	}

	stored := f.repo.only(t)
	if stored.Status != domain.StatusFailed || !strings.Contains(stored.Error, "context canceled") {
		t.Fatalf("expected failed status despite the expired context, got %s %q", stored.Status, stored.Error)
	}
}
