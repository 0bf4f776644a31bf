package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

const (
	headerAttempt   = "dv-attempt"
	headerNotBefore = "dv-not-before"
	headerError     = "dv-error"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Options struct {
	Brokers     []string
	Topic       string
	DLQTopic    string
	GroupID     string
	MaxDeliver  int
	RetryDelay  time.Duration
	Concurrency int
	// OnDeadLetter observes every message moved to the dead-letter topic.
	OnDeadLetter       func(msg domain.ProcessingMessage, reason string)
	ResilienceExecutor *resilience.Executor
}

// Queue publishes processing messages to a Kafka topic. Kafka has no per-message
// redelivery, so a failed delivery is republished with its attempt header incremented
// and a not-before time; the original offset is committed only after that write succeeds.
type Queue struct {
	writer     messageWriter
	newReader  func() messageReader
	topic      string
	dlqTopic   string
	maxDeliver int
	retryDelay time.Duration
	workers    int
	executor   *resilience.Executor
	onDead     func(msg domain.ProcessingMessage, reason string)
	now        func() time.Time
}

func New(opts Options) (*Queue, error) {
	if len(opts.Brokers) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "kafka queue", errors.New("no brokers configured"))
	}
	opts = normalizeOptions(opts)
	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	q := newQueue(writer, opts)
	q.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  opts.Brokers,
			GroupID:  opts.GroupID,
			Topic:    opts.Topic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		})
	}
	return q, nil
}

func newQueue(writer messageWriter, opts Options) *Queue {
	return &Queue{
		writer:     writer,
		topic:      opts.Topic,
		dlqTopic:   opts.DLQTopic,
		maxDeliver: opts.MaxDeliver,
		retryDelay: opts.RetryDelay,
		workers:    opts.Concurrency,
		executor:   opts.ResilienceExecutor,
		onDead:     opts.OnDeadLetter,
		now:        time.Now,
	}
}

func normalizeOptions(o Options) Options {
	if o.Topic == "" {
		o.Topic = "documents.process"
	}
	if o.DLQTopic == "" {
		o.DLQTopic = o.Topic + ".dlq"
	}
	if o.GroupID == "" {
		o.GroupID = "document-workers"
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

func SplitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (q *Queue) Close() error {
	return q.writer.Close()
}

func (q *Queue) PublishProcessing(ctx context.Context, msg domain.ProcessingMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode processing message: %w", err)
	}
	return q.write(ctx, "kafka.publish", kafka.Message{
		Topic:   q.topic,
		Key:     []byte(msg.DocumentID),
		Value:   payload,
		Headers: []kafka.Header{{Key: headerAttempt, Value: []byte("1")}},
	})
}

func (q *Queue) write(ctx context.Context, operation string, msg kafka.Message) error {
	err := q.executor.Execute(ctx, operation, func(ctx context.Context) error {
		return q.writer.WriteMessages(ctx, msg)
	}, classifyKafkaError)
	if err != nil {
		return wrapTemporaryIfNeeded(operation, fmt.Errorf("kafka write %s: %w", msg.Topic, err))
	}
	return nil
}

// Consume starts one group reader per worker slot; partitions are spread across them by
// the consumer group. It returns when ctx is cancelled or a reader hits an error that
// would otherwise lose a message.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.Delivery) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := 0; i < q.workers; i++ {
		reader := q.newReader()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reader.Close()
			if err := q.run(ctx, reader, handler); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (q *Queue) run(ctx context.Context, reader messageReader, handler func(context.Context, domain.Delivery) error) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("kafka_fetch_failed", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if err := q.handle(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("kafka_commit_failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// handle returns an error only when the message could not be settled: neither processed,
// republished nor dead-lettered. The caller must not commit it.
func (q *Queue) handle(ctx context.Context, msg kafka.Message, handler func(context.Context, domain.Delivery) error) error {
	attempt := attemptOf(msg.Headers)

	decoded, err := domain.DecodeProcessingMessage(msg.Value)
	if err != nil {
		slog.Error("queue_message_malformed", "offset", msg.Offset, "error", err)
		return q.deadLetter(ctx, msg, domain.ProcessingMessage{}, attempt, err)
	}

	if nb, ok := notBefore(msg.Headers); ok {
		if wait := nb.Sub(q.now()); wait > 0 && !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}

	herr := handler(ctx, domain.Delivery{Message: decoded, Attempt: attempt})
	if herr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if attempt >= q.maxDeliver {
		return q.deadLetter(ctx, msg, decoded, attempt, herr)
	}

	slog.Warn("queue_message_retry",
		"document_id", decoded.DocumentID,
		"attempt", attempt,
		"max_deliver", q.maxDeliver,
		"error", herr,
	)
	retry := kafka.Message{
		Topic: q.topic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: withHeaders(msg.Headers, map[string]string{
			headerAttempt:   strconv.Itoa(attempt + 1),
			headerNotBefore: strconv.FormatInt(q.now().Add(q.retryDelay*time.Duration(attempt)).UnixMilli(), 10),
			headerError:     herr.Error(),
		}),
	}
	if err := q.write(ctx, "kafka.republish", retry); err != nil {
		slog.Error("queue_republish_failed", "document_id", decoded.DocumentID, "error", err)
		return err
	}
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, msg kafka.Message, decoded domain.ProcessingMessage, attempt int, cause error) error {
	dlq := kafka.Message{
		Topic: q.dlqTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: withHeaders(msg.Headers, map[string]string{
			headerAttempt: strconv.Itoa(attempt),
			headerError:   cause.Error(),
		}),
	}
	if err := q.write(ctx, "kafka.dead_letter", dlq); err != nil {
		slog.Error("queue_dead_letter_failed", "document_id", decoded.DocumentID, "error", err)
		return err
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
	return nil
}

func attemptOf(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key == headerAttempt {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

func notBefore(headers []kafka.Header) (time.Time, bool) {
	for _, h := range headers {
		if h.Key == headerNotBefore {
			ms, err := strconv.ParseInt(string(h.Value), 10, 64)
			if err != nil {
				return time.Time{}, false
			}
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

// withHeaders copies headers, replacing any whose key is in set and appending the rest.
func withHeaders(headers []kafka.Header, set map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+len(set))
	for _, h := range headers {
		if _, replaced := set[h.Key]; !replaced {
			out = append(out, h)
		}
	}
	for _, key := range []string{headerAttempt, headerNotBefore, headerError} {
		if v, ok := set[key]; ok {
			out = append(out, kafka.Header{Key: key, Value: []byte(v)})
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// permanentKafkaErrors are rejected requests that kafka-go may still report as temporary.
var permanentKafkaErrors = map[kafka.Error]bool{
	kafka.InvalidMessage:             true,
	kafka.MessageSizeTooLarge:        true,
	kafka.InvalidTopic:               true,
	kafka.RecordListTooLarge:         true,
	kafka.InvalidRequiredAcks:        true,
	kafka.TopicAuthorizationFailed:   true,
	kafka.ClusterAuthorizationFailed: true,
	kafka.InvalidRecord:              true,
}

// classifyKafkaError looks at broker codes before the shared transport rules: kafka.Error
// satisfies net.Error and would otherwise always count as retryable.
func classifyKafkaError(err error) resilience.ErrorClassification {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		class, _ := resilience.ClassifyTransport(err)
		return class
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		if permanentKafkaErrors[kerr] {
			// the broker is healthy; the request itself can never succeed
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
		return resilience.ErrorClassification{Retryable: kerr.Temporary(), RecordFailure: true}
	}
	var werr kafka.WriteErrors
	if errors.As(err, &werr) {
		for _, e := range werr {
			if e != nil && !classifyKafkaError(e).Retryable {
				return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
			}
		}
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	if class, ok := resilience.ClassifyTransport(err); ok {
		return class
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyKafkaError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
