package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	httpadapter "github.com/kirillkom/document-vault/internal/adapters/http"
	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
	"github.com/kirillkom/document-vault/internal/core/usecase"
	"github.com/kirillkom/document-vault/internal/infrastructure/extractor"
	"github.com/kirillkom/document-vault/internal/infrastructure/extractor/ocr"
	"github.com/kirillkom/document-vault/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/document-vault/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/document-vault/internal/infrastructure/extractor/spreadsheet"
	"github.com/kirillkom/document-vault/internal/infrastructure/queue/kafka"
	"github.com/kirillkom/document-vault/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-vault/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
	redisstore "github.com/kirillkom/document-vault/internal/infrastructure/sessionstore/redis"
	"github.com/kirillkom/document-vault/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/document-vault/internal/infrastructure/storage/minio"
	"github.com/kirillkom/document-vault/internal/infrastructure/tagging"
	"github.com/kirillkom/document-vault/internal/infrastructure/thumbnail"
)

type App struct {
	Config config.Config

	Queue   ports.MessageQueue
	Storage ports.ObjectStorage
	// Blobs is set only for local storage, whose presigned URLs are served by the API.
	Blobs     httpadapter.BlobStore
	Readiness []httpadapter.ReadinessCheck

	UploadUC  *usecase.ChunkUploadUseCase
	IngestUC  *usecase.IngestDocumentUseCase
	ProcessUC *usecase.ProcessDocumentUseCase

	closers []func()
}

type Option func(*options)

type options struct {
	onDeadLetter func(msg domain.ProcessingMessage, reason string)
}

// WithDeadLetterObserver is called for every message the queue gives up on.
func WithDeadLetterObserver(fn func(msg domain.ProcessingMessage, reason string)) Option {
	return func(o *options) { o.onDeadLetter = fn }
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(cfg.Resilience)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.onClose(func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	repo := postgres.NewDocumentRepository(db)
	app.addReadiness("postgres", db.PingContext)

	sessions, err := app.sessionStore(ctx, cfg, db, executor)
	if err != nil {
		return nil, err
	}

	storage, err := app.objectStorage(ctx, cfg, executor)
	if err != nil {
		return nil, err
	}
	app.Storage = storage

	queue, err := app.messageQueue(ctx, cfg, executor, o.onDeadLetter)
	if err != nil {
		return nil, err
	}
	app.Queue = queue

	tagger, err := newTagger(cfg.TaggingRulesFile)
	if err != nil {
		return nil, err
	}

	app.UploadUC = usecase.NewChunkUploadUseCase(sessions, storage, usecase.UploadLimits{
		MaxChunks:   cfg.UploadMaxChunks,
		MaxFileSize: cfg.UploadMaxFileSize,
		SessionTTL:  cfg.UploadSessionTTL,
	})
	app.IngestUC = usecase.NewIngestDocumentUseCase(repo, storage, queue, app.UploadUC, tagger)
	app.ProcessUC = usecase.NewProcessDocumentUseCase(
		repo,
		storage,
		newExtractor(cfg, executor),
		thumbnail.NewGenerator(thumbnail.Options{
			Size:     cfg.ThumbnailSize,
			Quality:  cfg.ThumbnailQuality,
			MaxBytes: cfg.ExtractMaxBytes,
		}),
		tagger,
	)

	slog.Info("bootstrap_ready",
		"session_backend", cfg.SessionBackend,
		"storage_backend", cfg.StorageBackend,
		"queue_backend", cfg.QueueBackend,
	)
	return app, nil
}

func (a *App) sessionStore(ctx context.Context, cfg config.Config, db *sql.DB, executor *resilience.Executor) (ports.SessionStore, error) {
	if cfg.SessionBackend != config.SessionBackendRedis {
		return postgres.NewSessionRepository(db), nil
	}
	redisOpts := redisstore.Options{
		Addr:               cfg.RedisAddr,
		Username:           cfg.RedisUsername,
		Password:           cfg.RedisPassword,
		DB:                 cfg.RedisDB,
		KeyPrefix:          cfg.RedisKeyPrefix,
		ResilienceExecutor: executor,
	}
	client, err := redisstore.NewClient(ctx, redisOpts)
	if err != nil {
		return nil, fmt.Errorf("init redis session store: %w", err)
	}
	a.onClose(func() { _ = client.Close() })
	store := redisstore.New(client, redisOpts)
	a.addReadiness("redis", store.Ping)
	return store, nil
}

func (a *App) objectStorage(ctx context.Context, cfg config.Config, executor *resilience.Executor) (ports.ObjectStorage, error) {
	if cfg.StorageBackend == config.StorageBackendMinio {
		storage, err := minio.New(ctx, minio.Options{
			Endpoint:           cfg.MinioEndpoint,
			AccessKey:          cfg.MinioAccessKey,
			SecretKey:          cfg.MinioSecretKey,
			Bucket:             cfg.MinioBucket,
			UseSSL:             cfg.MinioUseSSL,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init minio storage: %w", err)
		}
		return storage, nil
	}

	storage, err := localfs.New(localfs.Options{
		BasePath:      cfg.StoragePath,
		PublicBaseURL: cfg.PublicBaseURL,
		SigningKey:    cfg.StorageSigningKey,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	a.Blobs = storage
	return storage, nil
}

func (a *App) messageQueue(
	ctx context.Context,
	cfg config.Config,
	executor *resilience.Executor,
	onDeadLetter func(domain.ProcessingMessage, string),
) (ports.MessageQueue, error) {
	if cfg.QueueBackend == config.QueueBackendKafka {
		queue, err := kafka.New(kafka.Options{
			Brokers:            kafka.SplitBrokers(cfg.KafkaBrokers),
			Topic:              cfg.KafkaTopic,
			DLQTopic:           cfg.KafkaDLQTopic,
			GroupID:            cfg.KafkaGroupID,
			MaxDeliver:         cfg.QueueMaxDeliver,
			RetryDelay:         cfg.QueueRetryDelay,
			Concurrency:        cfg.WorkerConcurrency,
			OnDeadLetter:       onDeadLetter,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init kafka queue: %w", err)
		}
		a.onClose(func() { _ = queue.Close() })
		return queue, nil
	}

	queue, err := nats.New(ctx, cfg.NATSURL, nats.Options{
		Stream:             cfg.NATSStream,
		Subject:            cfg.NATSSubject,
		DLQSubject:         cfg.NATSDLQSubject,
		Durable:            cfg.NATSDurable,
		AckWait:            cfg.QueueVisibilityTimeout,
		MaxDeliver:         cfg.QueueMaxDeliver,
		NakDelay:           cfg.QueueRetryDelay,
		Concurrency:        cfg.WorkerConcurrency,
		ResilienceExecutor: executor,
		OnDeadLetter:       onDeadLetter,
	})
	if err != nil {
		return nil, fmt.Errorf("init nats queue: %w", err)
	}
	a.onClose(queue.Close)
	a.addReadiness("nats", queue.Ping)
	return queue, nil
}

// newExtractor orders extractors from most to least specific; OCR is only added when configured.
func newExtractor(cfg config.Config, executor *resilience.Executor) ports.TextExtractor {
	extractors := []ports.TextExtractor{
		pdf.NewExtractor(cfg.ExtractMaxBytes),
		spreadsheet.NewExtractor(cfg.ExtractMaxBytes),
		plaintext.NewExtractor(cfg.ExtractMaxBytes),
	}
	if cfg.OCRURL != "" {
		extractors = append(extractors, ocr.NewExtractor(ocr.Options{
			Endpoint:           cfg.OCRURL,
			Timeout:            cfg.OCRTimeout,
			MinConfidence:      cfg.OCRMinConfidence,
			MaxBytes:           cfg.ExtractMaxBytes,
			ResilienceExecutor: executor,
		}))
	}
	return extractor.NewComposite(extractors...)
}

func newTagger(rulesFile string) (*tagging.Tagger, error) {
	if rulesFile == "" {
		return tagging.NewTagger(), nil
	}
	rules, err := tagging.LoadRules(rulesFile)
	if err != nil {
		return nil, fmt.Errorf("load tagging rules: %w", err)
	}
	slog.Info("tagging_rules_loaded", "file", rulesFile, "categories", len(rules))
	return tagging.NewTaggerWithRules(rules), nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) addReadiness(name string, check func(context.Context) error) {
	a.Readiness = append(a.Readiness, httpadapter.ReadinessCheck{Name: name, Check: check})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
