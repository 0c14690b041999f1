package searchstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	meilisearch "github.com/meilisearch/meilisearch-go"

	"syslogd/internal/logging"
	"syslogd/internal/record"
	"syslogd/internal/store"
)

// fakeIndex is a minimal indexClient backed by an in-memory slice of
// uploaded documents, enough to exercise EnsurePartition's sequence
// seeding and WriteBatch's upload path without a real Meilisearch
// instance.
type fakeIndex struct {
	mu              sync.Mutex
	docs            []document
	settingsApplied int
}

func (f *fakeIndex) UpdateSettingsWithContext(_ context.Context, _ *meilisearch.Settings) (*meilisearch.TaskInfo, error) {
	f.mu.Lock()
	f.settingsApplied++
	f.mu.Unlock()
	return &meilisearch.TaskInfo{TaskUID: 1}, nil
}

// SearchWithContext models the one query maxSequence issues: sort by
// seq descending, limit 1. It picks the numeric maximum across all
// uploaded docs, not just the most recently appended one, so a test
// seeding the fake with lexically-out-of-order IDs (e.g. "-9" alongside
// "-100") actually exercises numeric-vs-lexical ordering.
func (f *fakeIndex) SearchWithContext(_ context.Context, _ string, _ *meilisearch.SearchRequest) (*meilisearch.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.docs) == 0 {
		return &meilisearch.SearchResponse{}, nil
	}
	max := f.docs[0]
	for _, d := range f.docs[1:] {
		if d.Seq > max.Seq {
			max = d
		}
	}
	return &meilisearch.SearchResponse{
		Hits: []interface{}{map[string]interface{}{"id": max.ID, "seq": float64(max.Seq)}},
	}, nil
}

func (f *fakeIndex) AddDocumentsWithContext(_ context.Context, documents interface{}, _ ...string) (*meilisearch.TaskInfo, error) {
	docs, ok := documents.([]document)
	if !ok {
		return nil, errors.New("unexpected document type")
	}
	f.mu.Lock()
	f.docs = append(f.docs, docs...)
	f.mu.Unlock()
	return &meilisearch.TaskInfo{TaskUID: 2}, nil
}

// fakeClient is a minimal searchClient: every index "exists" once
// created, indexes are created lazily and held in a map.
type fakeClient struct {
	mu      sync.Mutex
	created map[string]*fakeIndex
}

func newFakeClient() *fakeClient {
	return &fakeClient{created: make(map[string]*fakeIndex)}
}

func (f *fakeClient) GetIndexWithContext(_ context.Context, uid string) (*meilisearch.IndexResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[uid]; !ok {
		return nil, errors.New("index not found")
	}
	return &meilisearch.IndexResult{UID: uid}, nil
}

func (f *fakeClient) CreateIndexWithContext(_ context.Context, config *meilisearch.IndexConfig) (*meilisearch.TaskInfo, error) {
	f.mu.Lock()
	f.created[config.Uid] = &fakeIndex{}
	f.mu.Unlock()
	return &meilisearch.TaskInfo{TaskUID: 0}, nil
}

func (f *fakeClient) WaitForTaskWithContext(_ context.Context, _ int64, _ time.Duration) (*meilisearch.Task, error) {
	return &meilisearch.Task{Status: "succeeded"}, nil
}

func (f *fakeClient) Index(uid string) indexClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.created[uid]
	if !ok {
		idx = &fakeIndex{}
		f.created[uid] = idx
	}
	return idx
}

func newTestStore() (*Store, *fakeClient) {
	fc := newFakeClient()
	s := &Store{
		cfg:        Config{IndexPrefix: "syslog"},
		client:     fc,
		logger:     logging.Discard(),
		partitions: make(map[store.PartitionKey]*partitionState),
	}
	return s, fc
}

func TestEnsurePartitionCreatesIndexAndAppliesSettings(t *testing.T) {
	s, fc := newTestStore()
	key := store.PartitionKey{Year: 2024, Month: time.March}

	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}

	idx := fc.created[indexName("syslog", key)]
	if idx == nil {
		t.Fatal("index was not created")
	}
	if idx.settingsApplied != 1 {
		t.Errorf("settingsApplied = %d, want 1", idx.settingsApplied)
	}
}

func TestClosePartitionForgetsStateAndAllowsReopen(t *testing.T) {
	s, fc := newTestStore()
	key := store.PartitionKey{Year: 2024, Month: time.March}
	ctx := context.Background()

	if err := s.EnsurePartition(ctx, key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}
	if err := s.ClosePartition(ctx, key); err != nil {
		t.Fatalf("ClosePartition: %v", err)
	}
	if _, ok := s.partitions[key]; ok {
		t.Error("partition state should be forgotten after ClosePartition")
	}

	idx := fc.created[indexName("syslog", key)]
	idx.settingsApplied = 0

	if err := s.EnsurePartition(ctx, key); err != nil {
		t.Fatalf("re-EnsurePartition: %v", err)
	}
	if idx.settingsApplied != 1 {
		t.Errorf("settingsApplied after reopen = %d, want 1", idx.settingsApplied)
	}
}

func TestClosePartitionNeverOpenedIsNoop(t *testing.T) {
	s, _ := newTestStore()
	key := store.PartitionKey{Year: 2024, Month: time.March}
	if err := s.ClosePartition(context.Background(), key); err != nil {
		t.Fatalf("ClosePartition: %v", err)
	}
}

func TestEnsurePartitionIdempotent(t *testing.T) {
	s, _ := newTestStore()
	key := store.PartitionKey{Year: 2024, Month: time.March}

	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("first EnsurePartition: %v", err)
	}
	if err := s.EnsurePartition(context.Background(), key); err != nil {
		t.Fatalf("second EnsurePartition: %v", err)
	}
}

func TestWriteBatchAssignsSequentialIDs(t *testing.T) {
	s, fc := newTestStore()
	key := store.PartitionKey{Year: 2024, Month: time.March}
	ctx := context.Background()

	if err := s.EnsurePartition(ctx, key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}

	records := []*record.LogRecord{
		{Message: "one", Hostname: "h", ReceivedAt: time.Now(), DeviceReportedTime: time.Now()},
		{Message: "two", Hostname: "h", ReceivedAt: time.Now(), DeviceReportedTime: time.Now()},
	}

	n, err := s.WriteBatch(ctx, uuid.Must(uuid.NewV7()), key, records)
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}

	idx := fc.created[indexName("syslog", key)]
	if len(idx.docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(idx.docs))
	}
	if idx.docs[0].ID != "202403-1" || idx.docs[1].ID != "202403-2" {
		t.Errorf("unexpected IDs: %q, %q", idx.docs[0].ID, idx.docs[1].ID)
	}
}

func TestWriteBatchSeedsSequenceFromExistingMax(t *testing.T) {
	s, fc := newTestStore()
	key := store.PartitionKey{Year: 2024, Month: time.March}
	ctx := context.Background()

	name := indexName("syslog", key)
	fc.created[name] = &fakeIndex{docs: []document{{ID: "202403-41", Seq: 41}}}

	if err := s.EnsurePartition(ctx, key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}

	n, err := s.WriteBatch(ctx, uuid.Must(uuid.NewV7()), key, []*record.LogRecord{
		{Message: "next", ReceivedAt: time.Now(), DeviceReportedTime: time.Now()},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}

	idx := fc.created[name]
	if idx.docs[len(idx.docs)-1].ID != "202403-42" {
		t.Errorf("ID = %q, want 202403-42", idx.docs[len(idx.docs)-1].ID)
	}
}

// TestWriteBatchSeedsSequenceAcrossLexicalOrderBoundary seeds the fake
// with documents whose IDs would rank "-9" above "-100" under a
// lexical sort, and "-99" above "-100" as well. Seeding from the
// numeric seq field rather than the id string must still find 100 as
// the true maximum.
func TestWriteBatchSeedsSequenceAcrossLexicalOrderBoundary(t *testing.T) {
	s, fc := newTestStore()
	key := store.PartitionKey{Year: 2024, Month: time.March}
	ctx := context.Background()

	name := indexName("syslog", key)
	fc.created[name] = &fakeIndex{docs: []document{
		{ID: "202403-9", Seq: 9},
		{ID: "202403-99", Seq: 99},
		{ID: "202403-100", Seq: 100},
	}}

	if err := s.EnsurePartition(ctx, key); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}

	n, err := s.WriteBatch(ctx, uuid.Must(uuid.NewV7()), key, []*record.LogRecord{
		{Message: "next", ReceivedAt: time.Now(), DeviceReportedTime: time.Now()},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}

	idx := fc.created[name]
	got := idx.docs[len(idx.docs)-1]
	if got.ID != "202403-101" || got.Seq != 101 {
		t.Errorf("got ID=%q Seq=%d, want ID=202403-101 Seq=101", got.ID, got.Seq)
	}
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	s, _ := newTestStore()
	n, err := s.WriteBatch(context.Background(), uuid.Must(uuid.NewV7()), store.PartitionKey{}, nil)
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}
