package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrGrantExpired is returned by Verify for grants past their expiry.
	ErrGrantExpired = errors.New("grant expired")
	// ErrGrantSignature is returned by Verify for tampered or foreign grants.
	ErrGrantSignature = errors.New("invalid grant signature")
)

const (
	OpPut = "put"
	OpGet = "get"
)

// FSStore keeps objects in a local directory and signs grant URLs with
// HMAC-SHA256. The API serves the signed URLs under /blobs/.
type FSStore struct {
	root    string
	bucket  string
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewFSStore creates root if needed. baseURL is the externally reachable
// origin of the API serving /blobs/.
func NewFSStore(root, bucket, baseURL string, signingKey []byte) (*FSStore, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("blob signing key is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	if bucket == "" {
		bucket = "local"
	}
	return &FSStore{
		root:    root,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     signingKey,
		now:     time.Now,
	}, nil
}

func (s *FSStore) Bucket() string { return s.bucket }

func (s *FSStore) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return s.sign(OpPut, key, contentType, ttl)
}

func (s *FSStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return s.sign(OpGet, key, "", ttl)
}

func (s *FSStore) sign(op, key, contentType string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("op", op)
	q.Set("expires", strconv.FormatInt(expires, 10))
	if contentType != "" {
		q.Set("ct", contentType)
	}
	q.Set("sig", s.signature(op, key, contentType, expires))
	return s.baseURL + "/blobs/" + escapeKey(key) + "?" + q.Encode(), nil
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

func (s *FSStore) signature(op, key, contentType string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", op, key, contentType, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a grant presented to the /blobs/ endpoint.
func (s *FSStore) Verify(op, key string, q url.Values) error {
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", ErrGrantSignature)
	}
	if q.Get("op") != op {
		return fmt.Errorf("%w: operation mismatch", ErrGrantSignature)
	}
	want := s.signature(op, key, q.Get("ct"), expires)
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return ErrGrantSignature
	}
	if s.now().Unix() > expires {
		return ErrGrantExpired
	}
	return nil
}

func (s *FSStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put writes r to key atomically.
func (s *FSStore) Put(key string, r io.Reader) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("creating blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp blob: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("committing blob: %w", err)
	}
	return n, nil
}

func (s *FSStore) PutObject(_ context.Context, key, _ string, r io.Reader) error {
	_, err := s.Put(key, r)
	return err
}

func (s *FSStore) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrObjectNotFound
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return io.Copy(w, f)
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
