package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect selects the SQL flavour and the advisory-lock strategy.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	defaultLockTimeout = 10 * time.Second
	defaultTimezone    = "Asia/Tokyo"
)

// BlobDeleter removes orphaned blobs after a replace commits.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Options configures Open.
type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is a Postgres URL or an SQLite path. For SQLite an empty DSN means
	// DataDir/kokoron.db, and ":memory:" opens an in-memory database.
	DSN     string
	DataDir string
	// LockTimeout bounds the wait for the per-day advisory lock.
	LockTimeout time.Duration
	// Location is the reference timezone for calendar days.
	Location *time.Location
	// Orphans receives blob keys retired by SaveOrReplace. Nil skips cleanup.
	Orphans BlobDeleter
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Store is the relational record store.
type Store struct {
	db          *sql.DB
	dialect     Dialect
	locks       *keyedLocks
	lockTimeout time.Duration
	loc         *time.Location
	orphans     BlobDeleter
	now         func() time.Time
	logger      *slog.Logger
}

// Open connects to the configured database and runs pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dialect := Dialect(strings.ToLower(opts.Driver))
	if dialect == "" {
		dialect = DialectSQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		db, err = openSQLite(ctx, opts)
	case DialectPostgres:
		db, err = openPostgres(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:          db,
		dialect:     dialect,
		locks:       newKeyedLocks(),
		lockTimeout: opts.LockTimeout,
		loc:         opts.Location,
		orphans:     opts.Orphans,
		now:         opts.Clock,
		logger:      slog.Default(),
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = defaultLockTimeout
	}
	if s.loc == nil {
		s.loc, err = time.LoadLocation(defaultTimezone)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("loading reference timezone: %w", err)
		}
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func openSQLite(ctx context.Context, opts Options) (*sql.DB, error) {
	dsn := opts.DSN
	if dsn == "" {
		if opts.DataDir == ":memory:" {
			dsn = ":memory:"
		} else {
			if opts.DataDir == "" {
				return nil, fmt.Errorf("sqlite requires a dsn or data directory")
			}
			if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "kokoron.db")
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and avoids
	// "database is locked" errors between writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	return db, nil
}

func openPostgres(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres requires a dsn")
	}
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for health checks and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect reports the SQL flavour in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Location returns the reference timezone.
func (s *Store) Location() *time.Location {
	return s.loc
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	bootstrap := `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if s.dialect == DialectPostgres {
		bootstrap = `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`
	}
	if _, err := s.db.ExecContext(ctx, bootstrap); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	dir := "migrations/" + string(s.dialect)
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_version (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		s.logger.Debug("applied migration", "version", version, "dialect", s.dialect)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
