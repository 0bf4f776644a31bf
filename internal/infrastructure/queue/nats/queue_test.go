package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type fakeMsg struct {
	jetstream.Msg
	data      []byte
	delivered uint64

	acked    bool
	nakDelay time.Duration
	naked    bool
	termed   bool
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "documents.process" }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}
func (m *fakeMsg) Ack() error { m.acked = true; return nil }
func (m *fakeMsg) Nak() error { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naked = true
	m.nakDelay = d
	return nil
}
func (m *fakeMsg) Term() error { m.termed = true; return nil }

type fakeJetStream struct {
	jetstream.JetStream
	published []*nats.Msg
	err       error
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, msg)
	return &jetstream.PubAck{}, nil
}

func newTestQueue(js jetstream.JetStream) *Queue {
	return &Queue{
		js:         js,
		subject:    "documents.process",
		dlqSubject: "documents.process.dlq",
		maxDeliver: 3,
		nakDelay:   time.Second,
		workers:    1,
	}
}

func encodedMessage(t *testing.T) []byte {
	t.Helper()
	raw, err := domain.ProcessingMessage{DocumentID: "doc-1", UserID: "u1", StorageKey: "documents/u1/x/a.pdf"}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return raw
}

func TestHandleAcksOnSuccess(t *testing.T) {
	q := newTestQueue(&fakeJetStream{})
	msg := &fakeMsg{data: encodedMessage(t), delivered: 1}

	var got domain.Delivery
	q.handle(context.Background(), msg, func(_ context.Context, d domain.Delivery) error {
		got = d
		return nil
	})
	if !msg.acked || msg.naked || msg.termed {
		t.Fatalf("expected ack only, got %+v", msg)
	}
	if got.Message.DocumentID != "doc-1" || got.Attempt != 1 {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestHandleNaksWithBackoffBeforeMaxDeliver(t *testing.T) {
	js := &fakeJetStream{}
	q := newTestQueue(js)
	msg := &fakeMsg{data: encodedMessage(t), delivered: 2}

	q.handle(context.Background(), msg, func(context.Context, domain.Delivery) error {
		return errors.New("storage offline")
	})
	if !msg.naked || msg.acked || msg.termed {
		t.Fatalf("expected nak, got %+v", msg)
	}
	if msg.nakDelay != 2*time.Second {
		t.Fatalf("expected 2s delay, got %v", msg.nakDelay)
	}
	if len(js.published) != 0 {
		t.Fatalf("expected no dead letter, got %d", len(js.published))
	}
}

func TestHandleDeadLettersAtMaxDeliver(t *testing.T) {
	js := &fakeJetStream{}
	q := newTestQueue(js)
	var dead []string
	q.onDead = func(msg domain.ProcessingMessage, reason string) {
		dead = append(dead, msg.DocumentID+":"+reason)
	}
	msg := &fakeMsg{data: encodedMessage(t), delivered: 3}

	q.handle(context.Background(), msg, func(context.Context, domain.Delivery) error {
		return errors.New("still broken")
	})
	if !msg.termed || msg.acked {
		t.Fatalf("expected term, got %+v", msg)
	}
	if len(js.published) != 1 || js.published[0].Subject != "documents.process.dlq" {
		t.Fatalf("expected one DLQ publish, got %+v", js.published)
	}
	if js.published[0].Header.Get(headerAttempt) != "3" || js.published[0].Header.Get(headerError) != "still broken" {
		t.Fatalf("unexpected DLQ headers: %v", js.published[0].Header)
	}
	if len(dead) != 1 || dead[0] != "doc-1:max_deliver" {
		t.Fatalf("unexpected dead-letter callbacks: %v", dead)
	}
}

func TestHandleMalformedPayloadGoesStraightToDLQ(t *testing.T) {
	js := &fakeJetStream{}
	q := newTestQueue(js)
	msg := &fakeMsg{data: []byte("{not json"), delivered: 1}

	called := false
	q.handle(context.Background(), msg, func(context.Context, domain.Delivery) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("handler must not run for malformed payload")
	}
	if !msg.termed || len(js.published) != 1 {
		t.Fatalf("expected DLQ + term, got msg=%+v published=%d", msg, len(js.published))
	}
}

func TestHandleLeavesMessageWhenDLQPublishFails(t *testing.T) {
	js := &fakeJetStream{err: nats.ErrTimeout}
	q := newTestQueue(js)
	msg := &fakeMsg{data: encodedMessage(t), delivered: 3}

	q.handle(context.Background(), msg, func(context.Context, domain.Delivery) error {
		return errors.New("broken")
	})
	if msg.termed {
		t.Fatalf("message must not be terminated when DLQ publish fails")
	}
	if !msg.naked {
		t.Fatalf("expected nak for redelivery")
	}
}

func TestHandleDoesNotNakOnShutdown(t *testing.T) {
	q := newTestQueue(&fakeJetStream{})
	msg := &fakeMsg{data: encodedMessage(t), delivered: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q.handle(ctx, msg, func(ctx context.Context, _ domain.Delivery) error {
		return ctx.Err()
	})
	if msg.acked || msg.naked || msg.termed {
		t.Fatalf("expected message untouched on shutdown, got %+v", msg)
	}
}

func TestClassifyNATSError(t *testing.T) {
	if !classifyNATSError(nats.ErrNoServers).Retryable {
		t.Fatalf("expected no servers to be retryable")
	}
	if classifyNATSError(errors.New("bad subject")).Retryable {
		t.Fatalf("expected plain error not to be retryable")
	}
	if !domain.IsKind(wrapTemporaryIfNeeded(nats.ErrTimeout), domain.ErrTemporary) {
		t.Fatalf("expected timeout to wrap as temporary")
	}
}

func TestNormalizeOptionsDefaults(t *testing.T) {
	o := normalizeOptions(Options{Subject: "jobs"})
	if o.DLQSubject != "jobs.dlq" || o.Stream != "DOCUMENTS" || o.MaxDeliver != 5 || o.AckWait != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", o)
	}
}
