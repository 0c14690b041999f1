// Package sqlitestore implements the SQLite storage backend: one
// monthly-partitioned file, each holding a primary table and an FTS5
// virtual table kept in sync by triggers.
//
// WAL journaling, foreign keys on open, and a single *sql.DB per file
// rather than a pool are deliberate: exactly one goroutine (the batcher
// consumer) ever writes to the active partition, so there is nothing
// for a connection pool to arbitrate between.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"syslogd/internal/logging"
	"syslogd/internal/record"
	"syslogd/internal/store"
)

const (
	// primaryTable and ftsTable name the primary and full-text tables.
	// These names are stable and queryable by external collaborators
	// (the web search UI).
	primaryTable = "SystemEvents"
	ftsTable     = primaryTable + "_fts"
)

// Config configures the SQLite backend.
type Config struct {
	// PathTemplate is the database path template; "_YYYYMM" is inserted
	// before the extension to produce each partition's filename, e.g.
	// "/var/lib/syslogd/syslog.sqlite3" -> "syslog_202403.sqlite3".
	PathTemplate string

	Retry store.RetryConfig

	Logger *slog.Logger
}

// Store is the SQLite store.Backend implementation.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	partitions map[store.PartitionKey]*sql.DB
}

var _ store.Backend = (*Store)(nil)

// New creates a Store. No partition file is opened until EnsurePartition
// (or WriteBatch, which opens it the same way) is first invoked for that
// partition.
func New(cfg Config) *Store {
	return &Store{
		cfg:        cfg,
		logger:     logging.Default(cfg.Logger).With("component", "store", "backend", "sqlite"),
		partitions: make(map[store.PartitionKey]*sql.DB),
	}
}

// partitionPath renders the per-partition filename from PathTemplate by
// inserting "_YYYYMM" before the file extension.
func partitionPath(template string, key store.PartitionKey) string {
	ext := filepath.Ext(template)
	base := strings.TrimSuffix(template, ext)
	return fmt.Sprintf("%s_%s%s", base, key.Name(), ext)
}

// EnsurePartition opens (creating if absent) the partition file, applies
// write-throughput pragmas, and creates the primary table, FTS5 virtual
// table, and sync triggers if they do not already exist. Idempotent and
// safe to call repeatedly for the same partition.
func (s *Store) EnsurePartition(_ context.Context, key store.PartitionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.open(key)
	return err
}

// ClosePartition closes key's connection and forgets it, if open. A
// later EnsurePartition for the same key reopens the file from scratch.
func (s *Store) ClosePartition(_ context.Context, key store.PartitionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.partitions[key]
	if !ok {
		return nil
	}
	delete(s.partitions, key)
	if err := db.Close(); err != nil {
		return fmt.Errorf("close partition %s: %w", key.Name(), err)
	}
	s.logger.Info("partition closed", "partition", key.Name())
	return nil
}

// open returns the live *sql.DB for key, opening and initializing it on
// first use. Callers must hold s.mu.
func (s *Store) open(key store.PartitionKey) (*sql.DB, error) {
	if db, ok := s.partitions[key]; ok {
		return db, nil
	}

	path := partitionPath(s.cfg.PathTemplate, key)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create partition directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s.partitions[key] = db
	s.logger.Info("partition opened", "partition", key.Name(), "path", path)
	return db, nil
}

// applyPragmas tunes the connection for write throughput: WAL journaling,
// relaxed (but still crash-safe within a transaction) synchronous mode, and
// a large page cache.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -20000", // ~20MB page cache
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// ensureSchema creates the primary table, the FTS5 virtual table, and the
// triggers that keep them in sync, all idempotently. A partition's schema
// is fixed at creation and never altered afterward, so a single inline
// "CREATE ... IF NOT EXISTS" pass is sufficient; there is no migration
// chain to run.
func ensureSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			Facility INTEGER NOT NULL,
			Priority INTEGER NOT NULL,
			FromHost TEXT NOT NULL,
			DeviceReportedTime TEXT NOT NULL,
			ReceivedAt TEXT NOT NULL,
			InfoUnitID INTEGER NOT NULL,
			SysLogTag TEXT NOT NULL,
			Message TEXT NOT NULL
		)`, primaryTable),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(
			Message,
			content='%s',
			content_rowid='ID'
		)`, ftsTable, primaryTable),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ai AFTER INSERT ON %[2]s BEGIN
			INSERT INTO %[1]s(rowid, Message) VALUES (new.ID, new.Message);
		END`, ftsTable, primaryTable),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_ad AFTER DELETE ON %[2]s BEGIN
			INSERT INTO %[1]s(%[1]s, rowid, Message) VALUES('delete', old.ID, old.Message);
		END`, ftsTable, primaryTable),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_au AFTER UPDATE ON %[2]s BEGIN
			INSERT INTO %[1]s(%[1]s, rowid, Message) VALUES('delete', old.ID, old.Message);
			INSERT INTO %[1]s(rowid, Message) VALUES (new.ID, new.Message);
		END`, ftsTable, primaryTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WriteBatch inserts records into key's partition inside a single
// transaction. A failed attempt closes the partition's connection so the
// next attempt reopens the file; attempts are bounded and backed off by
// the shared retry helper. Returns the number of rows written.
func (s *Store) WriteBatch(ctx context.Context, batchID uuid.UUID, key store.PartitionKey, records []*record.LogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var written int
	err := store.Retry(ctx, s.cfg.Retry, func() error {
		n, err := s.writeOnce(ctx, key, records)
		written = n
		if err != nil {
			s.logger.Warn("write batch attempt failed", "batch_id", batchID, "partition", key.Name(), "error", err)
			// Drop the handle so the next attempt reopens the file.
			if cerr := s.ClosePartition(ctx, key); cerr != nil {
				s.logger.Warn("close partition after failed attempt", "partition", key.Name(), "error", cerr)
			}
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
		return nil
	})
	return written, err
}

func (s *Store) writeOnce(ctx context.Context, key store.PartitionKey, records []*record.LogRecord) (int, error) {
	s.mu.Lock()
	db, err := s.open(key)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (Facility, Priority, FromHost, DeviceReportedTime, ReceivedAt, InfoUnitID, SysLogTag, Message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, primaryTable))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.Facility,
			rec.Priority,
			rec.Hostname,
			rec.DeviceReportedTime.UTC().Format(timeFormat),
			rec.ReceivedAt.UTC().Format(timeFormat),
			defaultInfoUnitID,
			rec.Tag,
			rec.Message,
		)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert record %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(records), nil
}

const timeFormat = "2006-01-02 15:04:05.000"

// defaultInfoUnitID is written for every row's InfoUnitID column. The
// column exists for rsyslog schema compatibility, which uses it to
// distinguish multiple reporting instances feeding one database; this
// module has no such concept, so every row carries the same sentinel
// rather than a per-batch index that would reset every batch and mean
// nothing.
const defaultInfoUnitID = 0

// Close closes every open partition connection. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, db := range s.partitions {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close partition %s: %w", key.Name(), err)
		}
		delete(s.partitions, key)
	}
	return firstErr
}
