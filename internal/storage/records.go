package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	maxIDLength     = 128
	maxNoteLength   = 2000
	orphanDeleteMax = 4

	// JobBlobDelete retries an orphan deletion that failed after commit.
	JobBlobDelete = "blob_delete"
)

// SaveParams is the input of SaveOrReplace. Empty Note, TextKey and AudioKey
// are stored as NULL.
type SaveParams struct {
	OwnerID     string
	SubjectID   string
	CategoryID  string
	IntensityID int
	Note        string
	TextKey     string
	AudioKey    string
}

// SaveResult reports the committed replace.
type SaveResult struct {
	RecordID string
	// Day is the reference-timezone calendar day the record belongs to.
	Day string
	// Replaced is the number of same-day records removed.
	Replaced int
	// OrphanedKeys are blob keys of the removed records that no record
	// references after the replace.
	OrphanedKeys []string
}

func (p SaveParams) validate() error {
	for _, f := range []struct{ name, v string }{
		{"owner_id", p.OwnerID},
		{"subject_id", p.SubjectID},
		{"category_id", p.CategoryID},
	} {
		if err := validateID(f.name, f.v); err != nil {
			return err
		}
	}
	if p.IntensityID < 1 || p.IntensityID > 3 {
		return fmt.Errorf("%w: intensity_id must be 1, 2 or 3, got %d", ErrValidation, p.IntensityID)
	}
	if len([]rune(p.Note)) > maxNoteLength {
		return fmt.Errorf("%w: note exceeds %d characters", ErrValidation, maxNoteLength)
	}
	if err := validateBareKey("audio_key", p.AudioKey); err != nil {
		return err
	}
	return validateBareKey("text_key", p.TextKey)
}

func validateID(field, v string) error {
	switch {
	case v == "":
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	case len(v) > maxIDLength:
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, field, maxIDLength)
	case strings.IndexFunc(v, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: %s contains control characters", ErrValidation, field)
	}
	return nil
}

func validateBareKey(field, v string) error {
	if v == "" {
		return nil
	}
	if strings.Contains(v, "://") || strings.HasPrefix(v, "/") || strings.IndexFunc(v, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %s must be a bare blob key", ErrValidation, field)
	}
	return nil
}

type retiredKeys struct {
	audio, text sql.NullString
}

// SaveOrReplace stores p as the only record for (owner, subject) on the
// current reference day. Writers for the same tuple and day are serialized by
// an exclusive lock; earlier same-day records are deleted in the same
// transaction. A blob key belongs to one record: keys attached to a record
// of another tuple or day are rejected with ErrValidation. Keys the removed
// records referenced are deleted after commit, best effort.
func (s *Store) SaveOrReplace(ctx context.Context, p SaveParams) (SaveResult, error) {
	if err := p.validate(); err != nil {
		return SaveResult{}, err
	}

	now := s.now().UTC()
	day := ReferenceDay(now, s.loc)
	token := LockToken(p.OwnerID, p.SubjectID, day)

	id, replaced, orphans, err := s.replace(ctx, p, now, token)
	if err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{
		RecordID:     id,
		Day:          day,
		Replaced:     replaced,
		OrphanedKeys: orphans,
	}
	s.logger.Info("record saved",
		"record_id", id, "owner_id", p.OwnerID, "subject_id", p.SubjectID,
		"day", day, "replaced", res.Replaced, "orphans", len(res.OrphanedKeys))

	s.collectOrphans(ctx, res.OrphanedKeys)
	return res, nil
}

func (s *Store) replace(ctx context.Context, p SaveParams, now time.Time, token int64) (string, int, []string, error) {
	if s.dialect == DialectSQLite {
		lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
		release, err := s.locks.acquire(lockCtx, token)
		cancel()
		if err != nil {
			return "", 0, nil, s.lockError(ctx, err)
		}
		defer release()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, nil, fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if s.dialect == DialectPostgres {
		if err := s.advisoryLock(ctx, tx, token); err != nil {
			return "", 0, nil, err
		}
	}

	start, end := dayBounds(now, s.loc)
	for _, k := range []struct{ field, key string }{{"audio_key", p.AudioKey}, {"text_key", p.TextKey}} {
		if k.key == "" {
			continue
		}
		if err := s.checkKeyOwner(ctx, tx, k.field, k.key, p, start, end); err != nil {
			return "", 0, nil, err
		}
	}

	rows, err := tx.QueryContext(ctx, s.rebind(`
		DELETE FROM emotion_records
		WHERE owner_id = ? AND subject_id = ? AND created_at >= ? AND created_at < ?
		RETURNING audio_key, text_key`),
		p.OwnerID, p.SubjectID, s.ts(start), s.ts(end),
	)
	if err != nil {
		return "", 0, nil, fmt.Errorf("deleting same-day records: %w", err)
	}
	var retired []retiredKeys
	for rows.Next() {
		var r retiredKeys
		if err := rows.Scan(&r.audio, &r.text); err != nil {
			rows.Close()
			return "", 0, nil, fmt.Errorf("scanning retired keys: %w", err)
		}
		retired = append(retired, r)
	}
	if err := rows.Close(); err != nil {
		return "", 0, nil, fmt.Errorf("closing delete cursor: %w", err)
	}
	if err := rows.Err(); err != nil {
		return "", 0, nil, fmt.Errorf("deleting same-day records: %w", err)
	}

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO emotion_records (id, owner_id, subject_id, category_id, intensity_id, note, text_key, audio_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, p.OwnerID, p.SubjectID, p.CategoryID, p.IntensityID,
		nullString(p.Note), nullString(p.TextKey), nullString(p.AudioKey),
		s.ts(now), s.ts(now),
	); err != nil {
		if isUniqueViolation(err) {
			return "", 0, nil, fmt.Errorf("%w: blob key is attached to another record", ErrValidation)
		}
		return "", 0, nil, fmt.Errorf("inserting record: %w", err)
	}

	orphans, err := s.unreferenced(ctx, tx, orphanedKeys(retired, p))
	if err != nil {
		return "", 0, nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", 0, nil, fmt.Errorf("committing replace: %w", err)
	}
	return id, len(retired), orphans, nil
}

// checkKeyOwner rejects key when a record outside the (owner, subject, day)
// being replaced references it.
func (s *Store) checkKeyOwner(ctx context.Context, tx *sql.Tx, field, key string, p SaveParams, start, end time.Time) error {
	var holder string
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT id FROM emotion_records
		WHERE (audio_key = ? OR text_key = ?)
		AND NOT (owner_id = ? AND subject_id = ? AND created_at >= ? AND created_at < ?)
		LIMIT 1`),
		key, key, p.OwnerID, p.SubjectID, s.ts(start), s.ts(end),
	).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("checking %s owner: %w", field, err)
	}
	return fmt.Errorf("%w: %s %q is attached to another record", ErrValidation, field, key)
}

// unreferenced drops keys that some record still references.
func (s *Store) unreferenced(ctx context.Context, tx *sql.Tx, keys []string) ([]string, error) {
	var out []string
	for _, k := range keys {
		var referenced bool
		err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT EXISTS (SELECT 1 FROM emotion_records WHERE audio_key = ? OR text_key = ?)`),
			k, k,
		).Scan(&referenced)
		if err != nil {
			return nil, fmt.Errorf("checking references of %s: %w", k, err)
		}
		if referenced {
			s.logger.Warn("retired blob key still referenced, keeping it", "key", k)
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqErr.Error(), "UNIQUE")
	}
	return false
}

func (s *Store) advisoryLock(ctx context.Context, tx *sql.Tx, token int64) error {
	ms := s.lockTimeout.Milliseconds()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
		return fmt.Errorf("setting lock timeout: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", token); err != nil {
		return s.lockError(ctx, err)
	}
	return nil
}

// lockError maps lock wait failures to ErrLockTimeout. Caller cancellation
// is passed through unchanged.
func (s *Store) lockError(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "57014": // lock_not_available, query_canceled
			return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
		}
		return fmt.Errorf("acquiring record lock: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waited %s", ErrLockTimeout, s.lockTimeout)
	}
	return fmt.Errorf("acquiring record lock: %w", err)
}

func orphanedKeys(retired []retiredKeys, p SaveParams) []string {
	keep := map[string]bool{}
	if p.AudioKey != "" {
		keep[p.AudioKey] = true
	}
	if p.TextKey != "" {
		keep[p.TextKey] = true
	}
	var out []string
	for _, r := range retired {
		for _, k := range []sql.NullString{r.audio, r.text} {
			if !k.Valid || k.String == "" || keep[k.String] {
				continue
			}
			keep[k.String] = true
			out = append(out, k.String)
		}
	}
	return out
}

type blobDeletePayload struct {
	Key string `json:"key"`
}

// collectOrphans deletes retired keys after commit. Failures are logged and
// queued for the sweeper; they never fail the save.
func (s *Store) collectOrphans(ctx context.Context, keys []string) {
	if len(keys) == 0 || s.orphans == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(orphanDeleteMax)
	for _, key := range keys {
		g.Go(func() error {
			err := s.orphans.Delete(ctx, key)
			if err == nil {
				return nil
			}
			s.logger.Warn("orphan blob delete failed, queueing retry", "key", key, "error", err)
			if qerr := s.EnqueueBlobDelete(ctx, key); qerr != nil {
				s.logger.Error("queueing orphan delete failed", "key", key, "error", qerr)
			}
			return nil
		})
	}
	g.Wait()
}

// EnqueueBlobDelete queues a retry of a blob deletion.
func (s *Store) EnqueueBlobDelete(ctx context.Context, key string) error {
	payload, err := json.Marshal(blobDeletePayload{Key: key})
	if err != nil {
		return err
	}
	return s.EnqueueJob(ctx, Job{
		ID:          uuid.New().String(),
		Type:        JobBlobDelete,
		PayloadJSON: string(payload),
		MaxAttempts: 5,
	})
}

const recordColumns = `id, owner_id, subject_id, category_id, intensity_id, note, text_key, audio_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (EmotionRecord, error) {
	var r EmotionRecord
	var note, textKey, audioKey sql.NullString
	err := row.Scan(&r.ID, &r.OwnerID, &r.SubjectID, &r.CategoryID, &r.IntensityID,
		&note, &textKey, &audioKey, timeScanner{&r.CreatedAt}, timeScanner{&r.UpdatedAt})
	if err != nil {
		return EmotionRecord{}, err
	}
	r.Note = fromNull(note)
	r.TextKey = fromNull(textKey)
	r.AudioKey = fromNull(audioKey)
	return r, nil
}

// GetRecord returns the record with id.
func (s *Store) GetRecord(ctx context.Context, id string) (EmotionRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+recordColumns+` FROM emotion_records WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return EmotionRecord{}, ErrNotFound
	}
	if err != nil {
		return EmotionRecord{}, fmt.Errorf("loading record %s: %w", id, err)
	}
	return r, nil
}

// TodayRecord returns the record for (owner, subject) on the current
// reference day.
func (s *Store) TodayRecord(ctx context.Context, ownerID, subjectID string) (EmotionRecord, error) {
	recs, err := s.ListRecordsForDay(ctx, ownerID, subjectID, s.now())
	if err != nil {
		return EmotionRecord{}, err
	}
	if len(recs) == 0 {
		return EmotionRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// ListRecordsForDay returns the records of (owner, subject) whose creation
// time falls on day's calendar day in the reference timezone, newest first.
func (s *Store) ListRecordsForDay(ctx context.Context, ownerID, subjectID string, day time.Time) ([]EmotionRecord, error) {
	start, end := dayBounds(day, s.loc)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+recordColumns+` FROM emotion_records
		WHERE owner_id = ? AND subject_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC`),
		ownerID, subjectID, s.ts(start), s.ts(end),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmotionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns how many records (owner, subject) has across all days.
func (s *Store) CountRecords(ctx context.Context, ownerID, subjectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM emotion_records WHERE owner_id = ? AND subject_id = ?`),
		ownerID, subjectID,
	).Scan(&n)
	return n, err
}

const maxListLimit = 100

// ListRecords pages through every record of (owner, subject), newest first.
// limit is clamped to [1, 100]; a zero limit means 20.
func (s *Store) ListRecords(ctx context.Context, ownerID, subjectID string, limit, offset int) ([]EmotionRecord, error) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > maxListLimit:
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+recordColumns+` FROM emotion_records
		WHERE owner_id = ? AND subject_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`),
		ownerID, subjectID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []EmotionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ParseDay reads a YYYY-MM-DD calendar date in the reference timezone.
func (s *Store) ParseDay(date string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, date, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD, got %q", ErrValidation, date)
	}
	return t, nil
}
