package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string
	// Retention is how long completed or failed sessions stay readable.
	Retention          time.Duration
	ResilienceExecutor *resilience.Executor
}

// Store keeps upload sessions in Redis: a hash per session, a set of received chunk
// indices, and a sorted set of in-progress sessions scored by expiry.
// Guarded writes run as Lua scripts so each one is a single atomic step.
type Store struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	executor  *resilience.Executor
}

func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func New(client *redis.Client, opts Options) *Store {
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "dv"
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		executor:  opts.ResilienceExecutor,
	}
}

func (s *Store) sessionKey(id string) string { return s.prefix + ":upload:" + id }
func (s *Store) chunksKey(id string) string  { return s.prefix + ":upload:" + id + ":chunks" }
func (s *Store) expiryKey() string           { return s.prefix + ":upload:expiry" }

// sessionMeta holds the fields that never change after creation.
type sessionMeta struct {
	UserID      string    `json:"user_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	TotalSize   int64     `json:"total_size"`
	TotalChunks int       `json:"total_chunks"`
	ChunkSize   int64     `json:"chunk_size"`
	CreatedAt   time.Time `json:"created_at"`
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'exists'
end
redis.call('HSET', KEYS[1], 'meta', ARGV[1], 'status', ARGV[2], 'final_key', '', 'updated_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 'ok'
`)

var addChunkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in-progress' then
	return 'state:' .. status
end
local expires = redis.call('HGET', KEYS[1], 'expires_at')
if tonumber(expires) <= tonumber(ARGV[2]) then
	return 'expired'
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('PEXPIREAT', KEYS[2], expires)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return 'ok'
`)

var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in-progress' then
	return 'state:' .. status
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'final_key', ARGV[2], 'updated_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[5])
return 'ok'
`)

func (s *Store) Create(ctx context.Context, session *domain.UploadSession) error {
	meta, err := json.Marshal(sessionMeta{
		UserID:      session.UserID,
		FileName:    session.FileName,
		ContentType: session.ContentType,
		TotalSize:   session.TotalSize,
		TotalChunks: session.TotalChunks,
		ChunkSize:   session.ChunkSize,
		CreatedAt:   session.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	reply, err := createScript.Run(ctx, s.client,
		[]string{s.sessionKey(session.ID), s.expiryKey()},
		string(meta), string(session.Status), session.UpdatedAt.UnixMilli(), session.ExpiresAt.UnixMilli(), session.ID,
	).Text()
	if err != nil {
		return wrapTemporaryIfNeeded("redis.create_session", fmt.Errorf("create session %s: %w", session.ID, err))
	}
	if reply == "exists" {
		return domain.WrapError(domain.ErrConflict, "create upload session", fmt.Errorf("id=%s", session.ID))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.UploadSession, error) {
	var fields map[string]string
	var chunks []string
	err := s.execute(ctx, "redis.get_session", func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		hget := pipe.HGetAll(ctx, s.sessionKey(id))
		smembers := pipe.SMembers(ctx, s.chunksKey(id))
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		fields = hget.Val()
		chunks = smembers.Val()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get upload session", fmt.Errorf("id=%s", id))
	}
	return decodeSession(id, fields, chunks)
}

func (s *Store) AddChunk(ctx context.Context, id string, index int, now time.Time) (*domain.UploadSession, error) {
	reply, err := addChunkScript.Run(ctx, s.client,
		[]string{s.sessionKey(id), s.chunksKey(id)},
		index, now.UnixMilli(),
	).Text()
	if err != nil {
		return nil, wrapTemporaryIfNeeded("redis.add_chunk", fmt.Errorf("add chunk %s/%d: %w", id, index, err))
	}
	if err := scriptError("add chunk", id, reply); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Store) MarkCompleted(ctx context.Context, id, finalKey string, now time.Time) error {
	return s.transition(ctx, "mark session completed", id, domain.UploadCompleted, finalKey, now)
}

func (s *Store) MarkFailed(ctx context.Context, id string, now time.Time) error {
	return s.transition(ctx, "mark session failed", id, domain.UploadFailed, "", now)
}

func (s *Store) transition(ctx context.Context, op, id string, to domain.UploadStatus, finalKey string, now time.Time) error {
	reply, err := transitionScript.Run(ctx, s.client,
		[]string{s.sessionKey(id), s.chunksKey(id), s.expiryKey()},
		string(to), finalKey, now.UnixMilli(), s.retention.Milliseconds(), id,
	).Text()
	if err != nil {
		return wrapTemporaryIfNeeded("redis.transition", fmt.Errorf("%s %s: %w", op, id, err))
	}
	return scriptError(op, id, reply)
}

// Delete removes the session and always drops it from the expiry index, so sweeping a
// session whose hash already expired still clears the index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.sessionKey(id))
		pipe.Del(ctx, s.chunksKey(id))
		pipe.ZRem(ctx, s.expiryKey(), id)
		return nil
	})
	if err != nil {
		return wrapTemporaryIfNeeded("redis.delete_session", fmt.Errorf("delete session %s: %w", id, err))
	}
	if del.Val() == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "delete upload session", fmt.Errorf("id=%s", id))
	}
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.execute(ctx, "redis.list_expired", func(ctx context.Context) error {
		res, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return err
		}
		ids = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	return wrapTemporaryIfNeeded(operation, s.executor.Execute(ctx, operation, fn, classifyRedisError))
}

func scriptError(op, id, reply string) error {
	switch {
	case reply == "ok":
		return nil
	case reply == "missing", reply == "expired":
		return domain.WrapError(domain.ErrSessionNotFound, op, fmt.Errorf("session %s %s", id, reply))
	case strings.HasPrefix(reply, "state:"):
		return domain.WrapError(domain.ErrInvalidState, op, fmt.Errorf("session %s is %s", id, strings.TrimPrefix(reply, "state:")))
	default:
		return fmt.Errorf("%s: unexpected script reply %q", op, reply)
	}
}

func decodeSession(id string, fields map[string]string, chunks []string) (*domain.UploadSession, error) {
	var meta sessionMeta
	if err := json.Unmarshal([]byte(fields["meta"]), &meta); err != nil {
		return nil, fmt.Errorf("decode session %s meta: %w", id, err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode session %s updated_at: %w", id, err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode session %s expires_at: %w", id, err)
	}
	received := make([]int, 0, len(chunks))
	for _, c := range chunks {
		n, err := strconv.Atoi(c)
		if err != nil {
			return nil, fmt.Errorf("decode session %s chunk %q: %w", id, c, err)
		}
		received = append(received, n)
	}
	return &domain.UploadSession{
		ID:             id,
		UserID:         meta.UserID,
		FileName:       meta.FileName,
		ContentType:    meta.ContentType,
		TotalSize:      meta.TotalSize,
		TotalChunks:    meta.TotalChunks,
		ChunkSize:      meta.ChunkSize,
		ReceivedChunks: domain.NormalizeChunks(received),
		Status:         domain.UploadStatus(fields["status"]),
		FinalKey:       fields["final_key"],
		CreatedAt:      meta.CreatedAt,
		UpdatedAt:      time.UnixMilli(updated).UTC(),
		ExpiresAt:      time.UnixMilli(expires).UTC(),
	}, nil
}

func classifyRedisError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if class, ok := resilience.ClassifyTransport(err); ok {
		return class
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.HasPrefix(msg, "loading"), strings.HasPrefix(msg, "tryagain"), strings.HasPrefix(msg, "clusterdown"):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "pool timeout"):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyRedisError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
