// Package store is the durable relational layer: the per-user event log, the
// stream catalog, user-message records, asset rows, and idempotency records,
// all in one sqlite database with WAL journaling. Write transactions are
// serialised through a bounded FIFO queue regardless of origin.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure Go driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite handle and the serialised write queue.
type Store struct {
	db *sql.DB
	wq *writeQueue
}

// Open opens (creating if absent) the database at path, applies pending
// migrations, and starts the write queue. queueDepth bounds the number of
// in-flight write transactions before writers fail with ErrWriteQueueFull.
func Open(path string, queueDepth int) (*Store, error) {
	// Mandatory pragmas ride in the DSN so they apply to every pooled
	// connection: WAL journaling, busy timeout, enforced foreign keys.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, wq: newWriteQueue(db, queueDepth)}
	s.wq.start()
	return s, nil
}

// Migrate applies all pending embedded migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// SchemaVersion reports the current migration version and whether the last
// migration left the schema dirty.
func SchemaVersion(db *sql.DB) (uint, bool, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return 0, false, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return 0, false, fmt.Errorf("create migrator: %w", err)
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close drains the write queue and closes the database.
func (s *Store) Close() error {
	s.wq.stop()
	return s.db.Close()
}

// DB exposes the raw handle for read queries in tests.
func (s *Store) DB() *sql.DB { return s.db }

// write runs fn inside a transaction on the serialised write queue.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.wq.submit(ctx, fn)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func millisToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
