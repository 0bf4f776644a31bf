package localfs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/core/domain"
)

type Options struct {
	BasePath      string
	PublicBaseURL string
	SigningKey    string
}

// Storage keeps objects as files under a base directory. Presigned URLs point at the
// API blob endpoint and carry an HMAC over key and expiry.
type Storage struct {
	basePath   string
	publicURL  string
	signingKey []byte
	now        func() time.Time
}

func New(opts Options) (*Storage, error) {
	basePath := opts.BasePath
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	key := opts.SigningKey
	if key == "" {
		key = "local-dev-signing-key"
	}
	return &Storage{
		basePath:   basePath,
		publicURL:  strings.TrimRight(opts.PublicBaseURL, "/"),
		signingKey: []byte(key),
		now:        time.Now,
	}, nil
}

func (s *Storage) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve object key", fmt.Errorf("invalid key %q", key))
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// Put writes to a temp file in the target directory and renames it into place,
// so readers never observe a partial object.
func (s *Storage) Put(ctx context.Context, key string, data io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: data}); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish file: %w", err)
	}
	committed = true
	return nil
}

func (s *Storage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrObjectNotFound, "open object", fmt.Errorf("key %s", key))
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	s.pruneEmptyDirs(filepath.Dir(path))
	return nil
}

// pruneEmptyDirs removes now-empty parent directories up to the base path.
func (s *Storage) pruneEmptyDirs(dir string) {
	base := filepath.Clean(s.basePath)
	for dir != base && strings.HasPrefix(dir, base) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ListByPrefix walks only the directory that holds the prefix. A missing directory lists nothing.
func (s *Storage) ListByPrefix(_ context.Context, prefix string) ([]string, error) {
	root := filepath.Clean(s.basePath)
	start := root
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		dir, err := s.path(prefix[:i])
		if err != nil {
			return nil, err
		}
		start = dir
	}
	keys := make([]string, 0)
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Storage) EnsureArea(_ context.Context, prefix string) error {
	path, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create area: %w", err)
	}
	return nil
}

func (s *Storage) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return fmt.Sprintf("%s/v1/blobs/%s?%s", s.publicURL, escapeKey(key), q.Encode()), nil
}

// Verify checks a grant produced by PresignGet.
func (s *Storage) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return domain.WrapError(domain.ErrUnauthorized, "verify download grant", errors.New("bad expiry"))
	}
	if s.now().Unix() > exp {
		return domain.WrapError(domain.ErrUnauthorized, "verify download grant", errors.New("grant expired"))
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return domain.WrapError(domain.ErrUnauthorized, "verify download grant", errors.New("signature mismatch"))
	}
	return nil
}

func (s *Storage) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
