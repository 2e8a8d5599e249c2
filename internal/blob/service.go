package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	defaultPrefix      = "voice-uploads"
	defaultGrantTTL    = time.Hour
	defaultCallTimeout = 30 * time.Second
)

// Config tunes a Service. Zero values fall back to defaults.
type Config struct {
	Prefix      string
	GrantTTL    time.Duration
	CallTimeout time.Duration
	// Location is the timezone used for the date segments of new keys.
	Location *time.Location
}

// Service builds keys, signs grants and deletes or fetches objects on top of
// a Store. Every store call runs under its own timeout.
type Service struct {
	store       Store
	prefix      string
	ttl         time.Duration
	callTimeout time.Duration
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger
}

// NewService creates a Service over store.
func NewService(store Store, cfg Config) *Service {
	s := &Service{
		store:       store,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		ttl:         cfg.GrantTTL,
		callTimeout: cfg.CallTimeout,
		loc:         cfg.Location,
		now:         time.Now,
		logger:      slog.Default(),
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.ttl <= 0 {
		s.ttl = defaultGrantTTL
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s
}

// BuildKey returns {prefix}/{kind}/{owner}/{YYYY}/{MM}/{DD}/{uuid}_{fileName}.
func (s *Service) BuildKey(ownerID string, kind Kind, fileName string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, kind)
	}
	if ownerID == "" || strings.ContainsAny(ownerID, "/\\") || hasControl(ownerID) {
		return "", fmt.Errorf("%w: owner id %q cannot be used in a key", ErrInvalidKey, ownerID)
	}
	name := sanitizeFileName(fileName)
	if name == "" {
		return "", fmt.Errorf("%w: empty file name", ErrInvalidKey)
	}
	now := s.now().In(s.loc)
	return path.Join(
		s.prefix,
		string(kind),
		ownerID,
		now.Format("2006"), now.Format("01"), now.Format("02"),
		uuid.New().String()+"_"+name,
	), nil
}

// OwnerOf returns the owner segment of a key built by BuildKey. ok is false
// for keys outside this service's layout.
func (s *Service) OwnerOf(key string) (owner string, ok bool) {
	rest, found := strings.CutPrefix(key, s.prefix+"/")
	if !found {
		return "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 || !Kind(parts[0]).Valid() || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, name)
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// DefaultTTL returns the grant lifetime for kind: text assets live twice as
// long as audio.
func (s *Service) DefaultTTL(kind Kind) time.Duration {
	if kind == KindText {
		return 2 * s.ttl
	}
	return s.ttl
}

// IssueUploadGrant signs a PUT URL for key. A zero ttl uses the kind default.
func (s *Service) IssueUploadGrant(ctx context.Context, key, contentType string, ttl time.Duration) (Grant, error) {
	if err := ValidateKey(key); err != nil {
		return Grant{}, err
	}
	if ttl <= 0 {
		ttl = s.DefaultTTL(KindOf(key))
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	u, err := s.store.PresignPut(ctx, key, contentType, ttl)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %w", ErrGrantIssuance, err)
	}
	return Grant{
		URL:         u,
		Method:      http.MethodPut,
		Key:         key,
		ContentType: contentType,
		ExpiresAt:   s.now().Add(ttl).UTC(),
	}, nil
}

// IssueDownloadGrant signs a GET URL for key. A zero ttl uses the kind default.
func (s *Service) IssueDownloadGrant(ctx context.Context, key string, ttl time.Duration) (Grant, error) {
	if err := ValidateKey(key); err != nil {
		return Grant{}, err
	}
	if ttl <= 0 {
		ttl = s.DefaultTTL(KindOf(key))
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	u, err := s.store.PresignGet(ctx, key, ttl)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %w", ErrGrantIssuance, err)
	}
	return Grant{
		URL:       u,
		Method:    http.MethodGet,
		Key:       key,
		ExpiresAt: s.now().Add(ttl).UTC(),
	}, nil
}

// Delete removes key. It is idempotent: a missing key is not an error.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelete, key, err)
	}
	s.logger.Debug("blob deleted", "key", key)
	return nil
}

// Fetch streams the object at key into w.
func (s *Service) Fetch(ctx context.Context, key string, w io.Writer) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	n, err := s.store.Get(ctx, key, w)
	if err != nil {
		return n, fmt.Errorf("fetching %s: %w", key, err)
	}
	return n, nil
}

// Put writes r to key. It is used for assets the server produces itself,
// such as transcripts.
func (s *Service) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := s.store.PutObject(ctx, key, contentType, r); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	s.logger.Debug("blob stored", "key", key)
	return nil
}

// Bucket returns the bucket archive URIs must name.
func (s *Service) Bucket() string {
	return s.store.Bucket()
}

// Normalize resolves a record location in this service's bucket to a key.
func (s *Service) Normalize(raw string) (string, error) {
	return Normalize(raw, s.store.Bucket())
}

// PublicLocator returns the archive URI clients hand back when confirming.
func (s *Service) PublicLocator(key string) string {
	return archiveScheme + "://" + s.store.Bucket() + "/" + key
}
