package blob

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"
)

// LocationKind is the closed set of notations a caller may use to name audio.
type LocationKind int

const (
	LocationRejected LocationKind = iota
	LocationLocalPath
	LocationArchiveURI
	LocationBareKey
)

func (k LocationKind) String() string {
	switch k {
	case LocationLocalPath:
		return "local_path"
	case LocationArchiveURI:
		return "archive_uri"
	case LocationBareKey:
		return "bare_key"
	default:
		return "rejected"
	}
}

// Location is the result of classifying a caller-supplied location string.
// Exactly one of Path (LocalPath) or Key (ArchiveURI, BareKey) is set; a
// Rejected location carries Err.
type Location struct {
	Kind   LocationKind
	Raw    string
	Bucket string
	Key    string
	Path   string
	Err    error
}

const archiveScheme = "archive"

// Classify resolves a location notation once, at entry. It never touches the
// store or the filesystem. An archive URI must name bucket; an empty bucket
// accepts any.
func Classify(raw, bucket string) Location {
	loc := Location{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return reject(loc, fmt.Errorf("%w: empty location", ErrInvalidKey))
	}

	if i := strings.Index(s, "://"); i > 0 {
		u, err := url.Parse(s)
		if err != nil {
			return reject(loc, fmt.Errorf("%w: %v", ErrUnsupportedLocation, err))
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return reject(loc, fmt.Errorf("%w: HTTP(S) audio URLs are not supported, use a stored key", ErrUnsupportedLocation))
		case archiveScheme, "s3":
			key := strings.TrimPrefix(u.Path, "/")
			if err := ValidateKey(key); err != nil {
				return reject(loc, err)
			}
			if bucket != "" && u.Host != bucket {
				return reject(loc, fmt.Errorf("%w: bucket %q is not %q", ErrUnsupportedLocation, u.Host, bucket))
			}
			loc.Kind = LocationArchiveURI
			loc.Bucket = u.Host
			loc.Key = key
			return loc
		case "file":
			loc.Kind = LocationLocalPath
			loc.Path = u.Path
			return loc
		default:
			return reject(loc, fmt.Errorf("%w: scheme %q", ErrUnsupportedLocation, u.Scheme))
		}
	}

	if strings.HasPrefix(s, "/") {
		loc.Kind = LocationLocalPath
		loc.Path = s
		return loc
	}

	if err := ValidateKey(s); err != nil {
		return reject(loc, err)
	}
	loc.Kind = LocationBareKey
	loc.Key = s
	return loc
}

func reject(loc Location, err error) Location {
	loc.Kind = LocationRejected
	loc.Err = err
	return loc
}

// Normalize resolves a record location (bare key or archive URI) to a bare
// key in bucket. Local paths are rejected: records may only reference stored
// objects.
func Normalize(raw, bucket string) (string, error) {
	loc := Classify(raw, bucket)
	switch loc.Kind {
	case LocationBareKey, LocationArchiveURI:
		return loc.Key, nil
	case LocationLocalPath:
		return "", fmt.Errorf("%w: local path %q cannot be referenced by a record", ErrUnsupportedLocation, loc.Path)
	default:
		return "", loc.Err
	}
}

// ValidateKey checks that key is a relative, clean object key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q is not a relative key", ErrInvalidKey, key)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character in key", ErrInvalidKey)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q has an empty or relative segment", ErrInvalidKey, key)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q is not clean", ErrInvalidKey, key)
	}
	return nil
}
