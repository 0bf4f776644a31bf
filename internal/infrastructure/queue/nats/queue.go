package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

const (
	headerAttempt = "Dv-Attempt"
	headerError   = "Dv-Error"
	headerSubject = "Dv-Original-Subject"
)

// Queue delivers processing messages through a JetStream stream with explicit acks.
// Unacked messages come back after AckWait; after MaxDeliver attempts they move to the
// dead-letter subject.
type Queue struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	stream     jetstream.Stream
	subject    string
	dlqSubject string
	durable    string
	ackWait    time.Duration
	maxDeliver int
	nakDelay   time.Duration
	workers    int
	executor   *resilience.Executor
	onDead     func(msg domain.ProcessingMessage, reason string)
}

type Options struct {
	Stream               string
	Subject              string
	DLQSubject           string
	Durable              string
	AckWait              time.Duration
	MaxDeliver           int
	NakDelay             time.Duration
	Concurrency          int
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// OnDeadLetter observes every message moved to the dead-letter subject.
	OnDeadLetter func(msg domain.ProcessingMessage, reason string)
}

func New(ctx context.Context, url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("document-vault"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	q, err := newQueue(ctx, conn, options)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func newQueue(ctx context.Context, conn *nats.Conn, options Options) (*Queue, error) {
	opts := normalizeOptions(options)
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{opts.Subject, opts.DLQSubject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
	}
	return &Queue{
		conn:       conn,
		js:         js,
		stream:     stream,
		subject:    opts.Subject,
		dlqSubject: opts.DLQSubject,
		durable:    opts.Durable,
		ackWait:    opts.AckWait,
		maxDeliver: opts.MaxDeliver,
		nakDelay:   opts.NakDelay,
		workers:    opts.Concurrency,
		executor:   opts.ResilienceExecutor,
		onDead:     opts.OnDeadLetter,
	}, nil
}

func normalizeOptions(o Options) Options {
	if o.Stream == "" {
		o.Stream = "DOCUMENTS"
	}
	if o.Subject == "" {
		o.Subject = "documents.process"
	}
	if o.DLQSubject == "" {
		o.DLQSubject = o.Subject + ".dlq"
	}
	if o.Durable == "" {
		o.Durable = "document-workers"
	}
	if o.AckWait <= 0 {
		o.AckWait = 5 * time.Minute
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.NakDelay <= 0 {
		o.NakDelay = 5 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Ping(context.Context) error {
	if q.conn == nil || !q.conn.IsConnected() {
		return domain.WrapError(domain.ErrTemporary, "nats ping", nats.ErrDisconnected)
	}
	return nil
}

func (q *Queue) PublishProcessing(ctx context.Context, msg domain.ProcessingMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode processing message: %w", err)
	}
	call := func(ctx context.Context) error {
		if _, err := q.js.Publish(ctx, q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}
	if err := q.executor.Execute(ctx, "nats.publish", call, classifyNATSError); err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Consume runs handler for every delivery until ctx is cancelled. Up to Concurrency
// handlers run at once; the pull loop blocks while all slots are busy.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.Delivery) error) error {
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.durable,
		FilterSubject: q.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxDeliver,
		MaxAckPending: q.workers * 2,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", q.durable, err)
	}

	sem := make(chan struct{}, q.workers)
	var wg sync.WaitGroup
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			q.handle(ctx, msg, handler)
		}()
	}, jetstream.PullMaxMessages(q.workers))
	if err != nil {
		return fmt.Errorf("nats consume: %w", err)
	}

	<-ctx.Done()
	consumeCtx.Drain()
	<-consumeCtx.Closed()
	wg.Wait()
	return nil
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler func(context.Context, domain.Delivery) error) {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	decoded, err := domain.DecodeProcessingMessage(msg.Data())
	if err != nil {
		slog.Error("queue_message_malformed", "attempt", attempt, "error", err)
		q.deadLetter(ctx, msg, domain.ProcessingMessage{}, attempt, err)
		return
	}

	if err := handler(ctx, domain.Delivery{Message: decoded, Attempt: attempt}); err != nil {
		if ctx.Err() != nil {
			// shutting down: leave the message for redelivery after AckWait
			return
		}
		if attempt >= q.maxDeliver {
			q.deadLetter(ctx, msg, decoded, attempt, err)
			return
		}
		slog.Warn("queue_message_retry",
			"document_id", decoded.DocumentID,
			"attempt", attempt,
			"max_deliver", q.maxDeliver,
			"error", err,
		)
		if nakErr := msg.NakWithDelay(q.nakDelay * time.Duration(attempt)); nakErr != nil {
			slog.Warn("queue_nak_failed", "document_id", decoded.DocumentID, "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Warn("queue_ack_failed", "document_id", decoded.DocumentID, "error", err)
	}
}

// deadLetter copies the payload to the DLQ subject and terminates the original so it is
// never redelivered. If the DLQ publish fails the message is left for redelivery.
func (q *Queue) deadLetter(ctx context.Context, msg jetstream.Msg, decoded domain.ProcessingMessage, attempt int, cause error) {
	dlq := nats.NewMsg(q.dlqSubject)
	dlq.Data = msg.Data()
	dlq.Header.Set(headerAttempt, strconv.Itoa(attempt))
	dlq.Header.Set(headerSubject, msg.Subject())
	if cause != nil {
		dlq.Header.Set(headerError, cause.Error())
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.Error("queue_dead_letter_failed", "document_id", decoded.DocumentID, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Term(); err != nil {
		slog.Warn("queue_term_failed", "document_id", decoded.DocumentID, "error", err)
	}
	reason := "max_deliver"
	if decoded.DocumentID == "" {
		reason = "malformed"
	}
	slog.Error("queue_message_dead_lettered",
		"document_id", decoded.DocumentID,
		"attempt", attempt,
		"reason", reason,
		"error", cause,
	)
	if q.onDead != nil {
		q.onDead(decoded, reason)
	}
}
