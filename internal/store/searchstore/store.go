// Package searchstore implements the search-engine storage backend on
// top of Meilisearch: one index per partition, with searchable,
// filterable, and sortable attributes applied once on first use.
//
// The shape is derived directly from the vocabulary of the storage
// contract itself (searchable/filterable/sortable attributes, a
// deterministic primary key); see DESIGN.md.
package searchstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	meilisearch "github.com/meilisearch/meilisearch-go"

	"syslogd/internal/logging"
	"syslogd/internal/record"
	"syslogd/internal/store"
)

// Config configures the search-engine backend.
type Config struct {
	// URL is the Meilisearch instance address, e.g. "http://localhost:7700".
	URL string
	// APIKey authenticates against the instance. May be empty in
	// development instances with auth disabled.
	APIKey string
	// IndexPrefix is inserted before the "_YYYYMM" partition suffix to
	// form each index's name.
	IndexPrefix string

	Retry store.RetryConfig

	Logger *slog.Logger
}

// partitionState tracks the monotonic document-sequence counter for one
// open partition index.
type partitionState struct {
	sequence atomic.Int64
}

// searchClient narrows meilisearch.ServiceManager to the calls this
// package needs, so tests can substitute a fake without standing up a
// real Meilisearch instance.
type searchClient interface {
	GetIndexWithContext(ctx context.Context, uid string) (*meilisearch.IndexResult, error)
	CreateIndexWithContext(ctx context.Context, config *meilisearch.IndexConfig) (*meilisearch.TaskInfo, error)
	WaitForTaskWithContext(ctx context.Context, taskUID int64, interval time.Duration) (*meilisearch.Task, error)
	Index(uid string) indexClient
}

// indexClient narrows meilisearch.IndexManager to the calls this
// package needs.
type indexClient interface {
	UpdateSettingsWithContext(ctx context.Context, settings *meilisearch.Settings) (*meilisearch.TaskInfo, error)
	SearchWithContext(ctx context.Context, query string, request *meilisearch.SearchRequest) (*meilisearch.SearchResponse, error)
	AddDocumentsWithContext(ctx context.Context, documents interface{}, primaryKey ...string) (*meilisearch.TaskInfo, error)
}

// clientAdapter adapts the real meilisearch.ServiceManager to
// searchClient; Index must return the narrowed indexClient rather than
// meilisearch's own IndexManager.
type clientAdapter struct {
	meilisearch.ServiceManager
}

func (c clientAdapter) Index(uid string) indexClient {
	return c.ServiceManager.Index(uid)
}

// Store is the Meilisearch store.Backend implementation.
type Store struct {
	cfg    Config
	client searchClient
	logger *slog.Logger

	mu         sync.Mutex
	partitions map[store.PartitionKey]*partitionState
}

var _ store.Backend = (*Store)(nil)

// New creates a Store bound to the Meilisearch instance described by cfg.
func New(cfg Config) *Store {
	raw := meilisearch.New(cfg.URL, meilisearch.WithAPIKey(cfg.APIKey))
	return &Store{
		cfg:        cfg,
		client:     clientAdapter{raw},
		logger:     logging.Default(cfg.Logger).With("component", "store", "backend", "search"),
		partitions: make(map[store.PartitionKey]*partitionState),
	}
}

// indexName renders the stable "<prefix>_YYYYMM" index name for key.
func indexName(prefix string, key store.PartitionKey) string {
	return fmt.Sprintf("%s_%s", prefix, key.Name())
}

// document is the shape uploaded to Meilisearch for one log record. JSON
// tags match the attribute names configured in applySettings.
//
// Seq carries the partition-local sequence number as a number, separate
// from the composite ID string. Meilisearch sorts "id:desc" lexically,
// under which "202403-9" sorts after "202403-100"; sorting on the
// numeric Seq field instead is what lets maxSequence find the true
// maximum once a partition holds ten or more documents.
type document struct {
	ID                 string `json:"id"`
	Seq                int64  `json:"seq"`
	Facility           int    `json:"facility"`
	Severity           int    `json:"severity"`
	Host               string `json:"host"`
	Tag                string `json:"tag"`
	Message            string `json:"message"`
	DeviceReportedTime int64  `json:"device_reported_time"`
	ReceivedAt         int64  `json:"received_at"`
}

// EnsurePartition creates key's index if missing, applies the searchable/
// filterable/sortable/primary-key settings (idempotent on Meilisearch's
// side), and seeds the in-memory sequence counter from the current
// maximum document seq so restarts do not reuse sequence numbers.
func (s *Store) EnsurePartition(ctx context.Context, key store.PartitionKey) error {
	s.mu.Lock()
	_, exists := s.partitions[key]
	s.mu.Unlock()
	if exists {
		return nil
	}

	name := indexName(s.cfg.IndexPrefix, key)

	if _, err := s.client.GetIndexWithContext(ctx, name); err != nil {
		task, err := s.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{
			Uid:        name,
			PrimaryKey: "id",
		})
		if err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		if _, err := s.client.WaitForTaskWithContext(ctx, task.TaskUID, 0); err != nil {
			return fmt.Errorf("wait for index creation %s: %w", name, err)
		}
	}

	if err := s.applySettings(ctx, name); err != nil {
		return err
	}

	seq, err := s.maxSequence(ctx, name)
	if err != nil {
		return fmt.Errorf("seed sequence for %s: %w", name, err)
	}

	st := &partitionState{}
	st.sequence.Store(seq)

	s.mu.Lock()
	s.partitions[key] = st
	s.mu.Unlock()

	s.logger.Info("partition opened", "partition", key.Name(), "index", name, "sequence", seq)
	return nil
}

// ClosePartition forgets key's in-memory sequence state, if any. The
// underlying Meilisearch index is untouched; a later EnsurePartition
// for the same key re-queries the index and reseeds the counter from
// its current maximum, so forgetting the state costs nothing but a
// round trip.
func (s *Store) ClosePartition(_ context.Context, key store.PartitionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[key]; !ok {
		return nil
	}
	delete(s.partitions, key)
	s.logger.Info("partition closed", "partition", key.Name())
	return nil
}

// applySettings configures the index's searchable, filterable, and
// sortable attributes. Re-applying identical settings is a no-op on
// Meilisearch's side, so this runs unconditionally rather than tracking
// whether it already ran.
func (s *Store) applySettings(ctx context.Context, name string) error {
	idx := s.client.Index(name)

	settings := meilisearch.Settings{
		SearchableAttributes: []string{"message", "tag", "host"},
		FilterableAttributes: []string{"facility", "severity", "host", "device_reported_time"},
		SortableAttributes:   []string{"device_reported_time", "received_at", "seq"},
	}
	task, err := idx.UpdateSettingsWithContext(ctx, &settings)
	if err != nil {
		return fmt.Errorf("update settings for %s: %w", name, err)
	}
	if _, err := s.client.WaitForTaskWithContext(ctx, task.TaskUID, 0); err != nil {
		return fmt.Errorf("wait for settings update on %s: %w", name, err)
	}
	return nil
}

// maxSequence queries the highest existing document's seq field via a
// numeric descending sort, returning 0 if the index is empty. Sorting on
// seq rather than the composite id string is required: "id:desc" would
// order lexically, and a sort over decimal strings of varying length
// does not agree with numeric order.
func (s *Store) maxSequence(ctx context.Context, name string) (int64, error) {
	idx := s.client.Index(name)
	resp, err := idx.SearchWithContext(ctx, "", &meilisearch.SearchRequest{
		Limit: 1,
		Sort:  []string{"seq:desc"},
	})
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	if len(resp.Hits) == 0 {
		return 0, nil
	}
	hit, ok := resp.Hits[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	// encoding/json decodes numbers into interface{} as float64.
	seq, _ := hit["seq"].(float64)
	return int64(seq), nil
}

// WriteBatch uploads records as documents, assigning each a composite
// "{partition}-{sequence}" primary key drawn from the partition's
// monotonic counter. The backend's task acknowledgement is treated as
// accepted; Meilisearch is trusted to make the documents durable
// asynchronously.
func (s *Store) WriteBatch(ctx context.Context, batchID uuid.UUID, key store.PartitionKey, records []*record.LogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	st, ok := s.partitions[key]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("searchstore: partition %s not opened", key.Name())
	}

	name := indexName(s.cfg.IndexPrefix, key)
	docs := make([]document, len(records))
	for i, rec := range records {
		seq := st.sequence.Add(1)
		docs[i] = document{
			ID:                 fmt.Sprintf("%s-%d", key.Name(), seq),
			Seq:                seq,
			Facility:           rec.Facility,
			Severity:           rec.Severity,
			Host:               rec.Hostname,
			Tag:                rec.Tag,
			Message:            rec.Message,
			DeviceReportedTime: rec.DeviceReportedTime.UnixMilli(),
			ReceivedAt:         rec.ReceivedAt.UnixMilli(),
		}
	}

	var written int
	err := store.Retry(ctx, s.cfg.Retry, func() error {
		idx := s.client.Index(name)
		task, err := idx.AddDocumentsWithContext(ctx, docs, "id")
		if err != nil {
			s.logger.Warn("submit batch attempt failed", "batch_id", batchID, "partition", key.Name(), "error", err)
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
		_ = task
		written = len(docs)
		return nil
	})
	return written, err
}

// Close releases client resources. Meilisearch's HTTP client holds no
// long-lived connections to tear down; Close exists to satisfy
// store.Backend and is idempotent.
func (s *Store) Close() error {
	return nil
}
