// Package store defines the storage backend contract shared by the SQLite
// and search-engine backends, and the partitioning helpers the batcher uses
// before handing a batch to either one.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"syslogd/internal/record"
)

// ErrTransient wraps a retryable backend I/O error. Backends return it from
// the function they pass to the shared retry helper (retry.go) so it
// retries rather than giving up immediately.
var ErrTransient = errors.New("store: transient error")

// ErrFatal marks a batch as dropped after the retry budget was exhausted.
var ErrFatal = errors.New("store: fatal error")

// PartitionKey identifies the (year, month) a record belongs to. Partitions
// are created lazily, on first write, and are keyed and named consistently
// across both concrete backends.
type PartitionKey struct {
	Year  int
	Month time.Month
}

// Name renders the key as the stable "YYYYMM" suffix used in both the
// SQLite filename pattern and the search-engine index name pattern.
func (k PartitionKey) Name() string {
	return fmt.Sprintf("%04d%02d", k.Year, int(k.Month))
}

// KeyFor derives a record's partition key from its ReceivedAt, in UTC, so
// the rollover boundary does not depend on host timezone configuration.
func KeyFor(rec *record.LogRecord) PartitionKey {
	return PartitionKey{Year: rec.PartitionYear(), Month: rec.PartitionMonth()}
}

// CurrentKey returns the partition key for the month containing now, in UTC.
func CurrentKey(now time.Time) PartitionKey {
	now = now.UTC()
	return PartitionKey{Year: now.Year(), Month: now.Month()}
}

// Previous returns the partition key for the calendar month immediately
// before k, used by the idle-partition sweep to name the partition that
// has just rolled over.
func (k PartitionKey) Previous() PartitionKey {
	if k.Month == time.January {
		return PartitionKey{Year: k.Year - 1, Month: time.December}
	}
	return PartitionKey{Year: k.Year, Month: k.Month - 1}
}

// SplitByPartition groups records by partition key, preserving each
// group's relative submission order. Most batches carry a single key; this
// exists to handle the rare batch that straddles a month boundary at
// rollover.
func SplitByPartition(records []*record.LogRecord) map[PartitionKey][]*record.LogRecord {
	groups := make(map[PartitionKey][]*record.LogRecord, 1)
	for _, rec := range records {
		key := KeyFor(rec)
		groups[key] = append(groups[key], rec)
	}
	return groups
}

// Backend is the abstract sink a Batcher flushes batches to. Both concrete
// implementations (sqlitestore, searchstore) satisfy it.
type Backend interface {
	// EnsurePartition idempotently creates whatever schema/index a
	// partition needs, the first time that partition is touched.
	EnsurePartition(ctx context.Context, key PartitionKey) error

	// WriteBatch accepts records already known to belong to a single
	// partition. It is atomic from the caller's perspective: either all
	// records are durably accepted or none are. Returns the number of
	// records written. batchID is a correlation ID for logs, unrelated to
	// any per-record ID assigned by the backend.
	WriteBatch(ctx context.Context, batchID uuid.UUID, key PartitionKey, records []*record.LogRecord) (int, error)

	// ClosePartition releases whatever open handle or in-memory state a
	// single partition holds, independent of the other open partitions.
	// It is a no-op if the partition was never opened. A later write to
	// the same partition reopens it via EnsurePartition as usual.
	ClosePartition(ctx context.Context, key PartitionKey) error

	// Close flushes in-flight state and releases resources. Idempotent.
	Close() error
}

// RoutingBackend adapts a Backend, whose WriteBatch takes an explicit
// partition key, into the batch.Backend shape (WriteBatch without a
// partition key) by splitting the incoming slice itself. The Batcher is deliberately kept
// ignorant of partitioning; this is where that split happens.
type RoutingBackend struct {
	backend Backend
}

// NewRoutingBackend wraps backend so it can be used directly as a
// batch.Backend.
func NewRoutingBackend(backend Backend) *RoutingBackend {
	return &RoutingBackend{backend: backend}
}

// WriteBatch splits records by partition, ensures each partition exists,
// and writes each group. It returns the total number of records written
// across all groups and the first error encountered, continuing to write
// the remaining groups so a failure in one partition does not block
// records destined for another.
func (r *RoutingBackend) WriteBatch(ctx context.Context, batchID uuid.UUID, records []*record.LogRecord) (int, error) {
	groups := SplitByPartition(records)

	var total int
	var firstErr error
	for key, group := range groups {
		if err := r.backend.EnsurePartition(ctx, key); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("ensure partition %s: %w", key.Name(), err)
			}
			continue
		}
		n, err := r.backend.WriteBatch(ctx, batchID, key, group)
		total += n
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write partition %s: %w", key.Name(), err)
		}
	}
	return total, firstErr
}

// Close releases the underlying backend's resources.
func (r *RoutingBackend) Close() error {
	return r.backend.Close()
}
