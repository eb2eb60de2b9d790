package evidence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/dj-oyu/padetect-agent/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Event is one evidence file as recorded in the event log.
type Event struct {
	ID         int64
	Kind       string
	Path       string
	CreatedAt  time.Time
	UploadedAt time.Time // zero while pending
	Attempts   int
	LastError  string
	SizeBytes  int64
}

// Pending reports whether the file still awaits upload.
func (e Event) Pending() bool { return e.UploadedAt.IsZero() }

// Stats summarizes the event log.
type Stats struct {
	Total    int   `json:"total"`
	Uploaded int   `json:"uploaded"`
	Pending  int   `json:"pending"`
	Attempts int64 `json:"attempts"`
}

// Store is the sqlite event log of captured evidence.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the event log at path and applies
// pending migrations.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open evidence db: %w", err)
	}

	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version; 0 when nothing was applied.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger routes golang-migrate output through the module logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	logger.Debug("Migrate", format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Record inserts a newly written evidence file.
func (s *Store) Record(ctx context.Context, kind, path string, size int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO evidence_events (kind, path, created_at, size_bytes) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		kind, path, at.UnixMilli(), size)
	if err != nil {
		return 0, fmt.Errorf("record evidence: %w", err)
	}
	return res.LastInsertId()
}

// MarkUploaded stamps path as delivered.
func (s *Store) MarkUploaded(ctx context.Context, path string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE evidence_events SET uploaded_at = ?, attempts = attempts + 1, last_error = '' WHERE path = ?`,
		at.UnixMilli(), path)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt for path.
func (s *Store) MarkFailed(ctx context.Context, path, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE evidence_events SET attempts = attempts + 1, last_error = ? WHERE path = ?`,
		reason, path)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Get returns the event for path.
func (s *Store) Get(ctx context.Context, path string) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, path, created_at, uploaded_at, attempts, last_error, size_bytes
		 FROM evidence_events WHERE path = ?`, path)
	return scanEvent(row)
}

// Pending lists events not yet uploaded, oldest first. limit <= 0 means all.
func (s *Store) Pending(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, path, created_at, uploaded_at, attempts, last_error, size_bytes
		 FROM evidence_events WHERE uploaded_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats counts events by state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(uploaded_at),
		        COALESCE(SUM(attempts), 0)
		 FROM evidence_events`).Scan(&st.Total, &st.Uploaded, &st.Attempts)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	st.Pending = st.Total - st.Uploaded
	return st, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		e        Event
		created  int64
		uploaded sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Kind, &e.Path, &created, &uploaded, &e.Attempts, &e.LastError, &e.SizeBytes); err != nil {
		return e, err
	}
	e.CreatedAt = time.UnixMilli(created)
	if uploaded.Valid {
		e.UploadedAt = time.UnixMilli(uploaded.Int64)
	}
	return e, nil
}
