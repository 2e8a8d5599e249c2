package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for malformed SaveOrReplace input. No
	// transaction is opened.
	ErrValidation = errors.New("validation failed")
	// ErrLockTimeout is returned when the per-day lock could not be acquired
	// in time. Callers may retry.
	ErrLockTimeout = errors.New("record lock timeout")
)

// EmotionRecord is one emotion observation. For a given (OwnerID, SubjectID)
// at most one record exists per calendar day in the reference timezone.
type EmotionRecord struct {
	ID          string
	OwnerID     string
	SubjectID   string
	CategoryID  string
	IntensityID int
	Note        string
	TextKey     string
	AudioKey    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// timeLayout is fixed-width so that SQLite text comparisons order
// chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var parseLayouts = []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"}

// ts encodes t for the active dialect.
func (s *Store) ts(t time.Time) any {
	if s.dialect == DialectPostgres {
		return t.UTC()
	}
	return t.UTC().Format(timeLayout)
}

// timeScanner reads TIMESTAMPTZ columns (Postgres) and text columns (SQLite).
type timeScanner struct{ t *time.Time }

func (ts timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*ts.t = v.UTC()
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	case nil:
		*ts.t = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func (ts timeScanner) parse(v string) error {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			*ts.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("parsing time %q", v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
