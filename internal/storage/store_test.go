package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	failFn  func(key string) error
}

func (d *recordingDeleter) Delete(_ context.Context, key string) error {
	if d.failFn != nil {
		if err := d.failFn(key); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, key)
	return nil
}

func (d *recordingDeleter) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, _, _ := openTestStoreWith(t, Options{})
	return s
}

// openTestStoreWith opens an in-memory store with a controllable clock set
// to 2024-01-15 10:00 JST and a recording orphan deleter.
func openTestStoreWith(t *testing.T, opts Options) (*Store, *testClock, *recordingDeleter) {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 1, 15, 1, 0, 0, 0, time.UTC)}
	del := &recordingDeleter{}
	opts.Driver = "sqlite"
	opts.DSN = ":memory:"
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	if opts.Orphans == nil {
		opts.Orphans = del
	}
	s, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock, del
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{
		"idx_emotion_records_owner_subject_created",
		"idx_emotion_records_audio_key",
		"idx_emotion_records_text_key",
		"idx_jobs_status_run_after",
	} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

// The one-per-day rule lives in SaveOrReplace; the schema must still accept
// two rows for the same day.
func TestNoUniqueDayConstraint(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"r1", "r2"} {
		_, err := s.db.Exec(`INSERT INTO emotion_records (id, owner_id, subject_id, category_id, intensity_id, created_at, updated_at)
			VALUES (?, 'u1', 'c1', 'happy', 2, '2024-01-15T01:00:00.000000Z', '2024-01-15T01:00:00.000000Z')`, id)
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
}

func TestBlobKeyUniqueIndex(t *testing.T) {
	s := openTestStore(t)

	insert := func(id, audioKey string) error {
		_, err := s.db.Exec(`INSERT INTO emotion_records (id, owner_id, subject_id, category_id, intensity_id, audio_key, created_at, updated_at)
			VALUES (?, 'u1', ?, 'happy', 2, ?, '2024-01-15T01:00:00.000000Z', '2024-01-15T01:00:00.000000Z')`, id, id, audioKey)
		return err
	}
	if err := insert("r1", "audio/a.webm"); err != nil {
		t.Fatalf("insert r1: %v", err)
	}
	err := insert("r2", "audio/a.webm")
	if err == nil {
		t.Fatal("expected unique violation for a shared audio key")
	}
	if !isUniqueViolation(err) {
		t.Errorf("isUniqueViolation(%v) = false", err)
	}
	if err := insert("r3", "audio/b.webm"); err != nil {
		t.Errorf("insert r3: %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle", DSN: "x"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpen_DefaultTimezone(t *testing.T) {
	s := openTestStore(t)
	if s.Location().String() != "Asia/Tokyo" {
		t.Errorf("Location = %s, want Asia/Tokyo", s.Location())
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b IN (?,?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	s.dialect = DialectSQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

// Postgres runs only when KOKORON_TEST_POSTGRES_DSN points at a scratch
// database.
func openPostgresTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("KOKORON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KOKORON_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), Options{Driver: "postgres", DSN: dsn, LockTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open(postgres): %v", err)
	}
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM emotion_records WHERE owner_id LIKE 'pgtest-%'`)
		s.Close()
	})
	return s
}

func TestPostgres_SaveOrReplaceSerializes(t *testing.T) {
	s := openPostgresTestStore(t)
	ctx := context.Background()
	owner := "pgtest-" + time.Now().Format("150405.000000")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SaveOrReplace(ctx, SaveParams{OwnerID: owner, SubjectID: "c1", CategoryID: "happy", IntensityID: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("SaveOrReplace: %v", err)
		}
	}

	n, err := s.CountRecords(ctx, owner, "c1")
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestPostgres_LockTimeout(t *testing.T) {
	s := openPostgresTestStore(t)
	ctx := context.Background()
	owner := "pgtest-lock-" + time.Now().Format("150405.000000")
	token := LockToken(owner, "c1", ReferenceDay(s.now(), s.loc))

	holder, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer holder.Rollback()
	if _, err := holder.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", token); err != nil {
		t.Fatalf("holding lock: %v", err)
	}

	_, err = s.SaveOrReplace(ctx, SaveParams{OwnerID: owner, SubjectID: "c1", CategoryID: "happy", IntensityID: 1})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}
