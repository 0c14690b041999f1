package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"syslogd/internal/record"
	"syslogd/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(Config{PathTemplate: filepath.Join(dir, "syslog.sqlite3")})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsurePartitionCreatesSchema(t *testing.T) {
	s := newTestStore(t)
	key := store.PartitionKey{Year: 2024, Month: time.March}

	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}

	db := s.partitions[key]
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, primaryTable).Scan(&name)
	if err != nil {
		t.Fatalf("primary table missing: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestEnsurePartitionIdempotent(t *testing.T) {
	s := newTestStore(t)
	key := store.PartitionKey{Year: 2024, Month: time.March}

	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("first EnsurePartition: %v", err)
	}
	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("second EnsurePartition: %v", err)
	}
}

func TestWriteBatchInsertsRowsAndFTS(t *testing.T) {
	s := newTestStore(t)
	key := store.PartitionKey{Year: 2024, Month: time.March}
	ctx := context.Background()

	if err := s.EnsurePartition(ctx, key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}

	records := []*record.LogRecord{
		{Facility: 1, Severity: 5, Priority: 13, Hostname: "host1", Tag: "app", Message: "first message",
			ReceivedAt: time.Now(), DeviceReportedTime: time.Now()},
		{Facility: 1, Severity: 5, Priority: 13, Hostname: "host1", Tag: "app", Message: "second message",
			ReceivedAt: time.Now(), DeviceReportedTime: time.Now()},
	}

	n, err := s.WriteBatch(ctx, uuid.Must(uuid.NewV7()), key, records)
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}

	db := s.partitions[key]
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + primaryTable).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 2 {
		t.Errorf("row count = %d, want 2", count)
	}

	var ftsCount int
	row := db.QueryRow("SELECT COUNT(*) FROM "+ftsTable+" WHERE "+ftsTable+" MATCH ?", "first")
	if err := row.Scan(&ftsCount); err != nil {
		t.Fatalf("fts match: %v", err)
	}
	if ftsCount != 1 {
		t.Errorf("fts match count = %d, want 1", ftsCount)
	}
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	key := store.PartitionKey{Year: 2024, Month: time.March}
	n, err := s.WriteBatch(context.Background(), uuid.Must(uuid.NewV7()), key, nil)
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}

func TestPartitionPathInsertsYYYYMM(t *testing.T) {
	got := partitionPath("/var/lib/syslogd/syslog.sqlite3", store.PartitionKey{Year: 2024, Month: time.March})
	want := "/var/lib/syslogd/syslog_202403.sqlite3"
	if got != want {
		t.Errorf("partitionPath = %q, want %q", got, want)
	}
}

func TestClosePartition(t *testing.T) {
	s := newTestStore(t)
	key := store.PartitionKey{Year: 2024, Month: time.March}
	other := store.PartitionKey{Year: 2024, Month: time.April}

	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}
	if err := s.EnsurePartition(context.Background(), other); err != nil {
		t.Fatalf("EnsurePartition other: %v", err)
	}
	db := s.partitions[key]

	if err := s.ClosePartition(context.Background(), key); err != nil {
		t.Fatalf("ClosePartition: %v", err)
	}
	if db.Ping() == nil {
		t.Error("expected closed partition's connection to be unusable")
	}
	if _, ok := s.partitions[key]; ok {
		t.Error("closed partition should be removed from the map")
	}
	if _, ok := s.partitions[other]; !ok {
		t.Error("closing one partition should not affect another")
	}
}

func TestClosePartitionNeverOpenedIsNoop(t *testing.T) {
	s := newTestStore(t)
	key := store.PartitionKey{Year: 2024, Month: time.March}
	if err := s.ClosePartition(context.Background(), key); err != nil {
		t.Fatalf("ClosePartition: %v", err)
	}
}

func TestClosePartitionConnections(t *testing.T) {
	s := newTestStore(t)
	key := store.PartitionKey{Year: 2024, Month: time.March}
	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}
	db := s.partitions[key]
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Ping(); err == nil {
		t.Error("expected connection to be closed after Close")
	}
}
