package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexi-lab/nexus/internal/metadatastore"
	"github.com/nexi-lab/nexus/internal/model"
)

func TestMemQueueEnqueueDequeue(t *testing.T) {
	q := NewMemQueue(4)
	ok := q.Enqueue(AuditEvent("tenant-a", "user:alice", "write", "file:/a.txt", nil))
	require.True(t, ok)

	job, ok := q.Dequeue(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, KindAudit, job.Kind)
	assert.Equal(t, "write", job.Action)
}

func TestMemQueueDropsWhenFull(t *testing.T) {
	q := NewMemQueue(1)
	require.True(t, q.Enqueue(AuditEvent("t", "a", "write", "o", nil)))
	assert.False(t, q.Enqueue(AuditEvent("t", "a", "write", "o", nil)), "second enqueue should drop, not block")
}

func TestMemQueueDequeueTimesOut(t *testing.T) {
	q := NewMemQueue(4)
	_, ok := q.Dequeue(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
}

// capturingStore implements metadatastore.Store just enough to exercise
// the audit and GC processors; every unused method panics.
type capturingStore struct {
	mu       sync.Mutex
	entries  []metadatastore.AuditEntry
	refCount int64
}

func (s *capturingStore) snapshot() []metadatastore.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metadatastore.AuditEntry{}, s.entries...)
}

func (s *capturingStore) AppendAudit(ctx context.Context, entry metadatastore.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *capturingStore) GetContentRow(ctx context.Context, tenantID, hash string) (model.ContentRow, error) {
	return model.ContentRow{ContentHash: hash, RefCount: s.refCount}, nil
}

func (s *capturingStore) PutFile(ctx context.Context, rec model.FileRecord) error { panic("unused") }
func (s *capturingStore) GetFile(ctx context.Context, tenantID, path string) (model.FileRecord, error) {
	panic("unused")
}
func (s *capturingStore) DeleteFile(ctx context.Context, tenantID, path string) error {
	panic("unused")
}
func (s *capturingStore) ListByPrefix(ctx context.Context, tenantID, prefix string, recursive bool) ([]model.FileRecord, error) {
	panic("unused")
}
func (s *capturingStore) IncrRefCount(ctx context.Context, tenantID, hash, locator string, size int64) (int64, error) {
	panic("unused")
}
func (s *capturingStore) DecrRefCount(ctx context.Context, tenantID, hash string) (int64, error) {
	panic("unused")
}
func (s *capturingStore) CreateTuple(ctx context.Context, t model.Tuple) error { panic("unused") }
func (s *capturingStore) DeleteTuple(ctx context.Context, tenantID, tupleID string) error {
	panic("unused")
}
func (s *capturingStore) DeleteObjectTuples(ctx context.Context, tenantID string, object model.Entity) error {
	panic("unused")
}
func (s *capturingStore) ListTuples(ctx context.Context, tenantID string, filter metadatastore.TupleFilter) ([]model.Tuple, error) {
	panic("unused")
}
func (s *capturingStore) PutNamespace(ctx context.Context, ns model.Namespace) error {
	panic("unused")
}
func (s *capturingStore) GetNamespace(ctx context.Context, objectType string) (model.Namespace, error) {
	panic("unused")
}
func (s *capturingStore) CreateAPIKey(ctx context.Context, rec metadatastore.APIKeyRecord) error {
	panic("unused")
}
func (s *capturingStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (metadatastore.APIKeyRecord, error) {
	panic("unused")
}
func (s *capturingStore) ListScheduledTasks(ctx context.Context, tenantID string) ([]metadatastore.ScheduledTask, error) {
	panic("unused")
}
func (s *capturingStore) RecordVersion(ctx context.Context, v metadatastore.ContentVersion) error {
	panic("unused")
}
func (s *capturingStore) ListVersions(ctx context.Context, tenantID, path string) ([]metadatastore.ContentVersion, error) {
	panic("unused")
}
func (s *capturingStore) WithTx(ctx context.Context, fn func(tx metadatastore.Tx) error) error {
	panic("unused")
}
func (s *capturingStore) Close() error { return nil }

// capturingBackend implements backend.Backend just enough to exercise
// RefcountGCProcessor; every unused method panics.
type capturingBackend struct {
	mu      sync.Mutex
	deleted []string
}

func (b *capturingBackend) DeleteContent(ctx context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, hash)
	return nil
}

func (b *capturingBackend) WriteContent(ctx context.Context, data []byte) (string, error) {
	panic("unused")
}
func (b *capturingBackend) ReadContent(ctx context.Context, hash string) ([]byte, error) {
	panic("unused")
}
func (b *capturingBackend) ContentExists(ctx context.Context, hash string) (bool, error) {
	panic("unused")
}
func (b *capturingBackend) GetContentSize(ctx context.Context, hash string) (int64, error) {
	panic("unused")
}
func (b *capturingBackend) GetRefCount(ctx context.Context, hash string) (int64, error) {
	panic("unused")
}
func (b *capturingBackend) BatchReadContent(ctx context.Context, hashes []string) (map[string][]byte, error) {
	panic("unused")
}
func (b *capturingBackend) Mkdir(ctx context.Context, path string) error { panic("unused") }
func (b *capturingBackend) Rmdir(ctx context.Context, path string) error { panic("unused") }
func (b *capturingBackend) IsDirectory(ctx context.Context, path string) (bool, error) {
	panic("unused")
}
func (b *capturingBackend) ListDir(ctx context.Context, path string) ([]string, error) {
	panic("unused")
}

func TestAuditProcessorAppends(t *testing.T) {
	store := &capturingStore{}
	proc := NewAuditProcessor(store)

	job := AuditEvent("tenant-a", "user:alice", "delete", "file:/a.txt", map[string]string{"trace_id": "t-1"})
	require.NoError(t, proc.Process(context.Background(), job))
	entries := store.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "delete", entries[0].Action)
	assert.Equal(t, "tenant-a", entries[0].TenantID)
}

func TestRefcountGCProcessorSkipsWhenRefCountPositive(t *testing.T) {
	store := &capturingStore{refCount: 3}
	be := &capturingBackend{}
	proc := NewRefcountGCProcessor(store, be)

	require.NoError(t, proc.Process(context.Background(), GCEvent("tenant-a", "hash-1")))
	assert.Empty(t, be.deleted)
}

func TestRefcountGCProcessorDeletesWhenStillZero(t *testing.T) {
	store := &capturingStore{refCount: 0}
	be := &capturingBackend{}
	proc := NewRefcountGCProcessor(store, be)

	require.NoError(t, proc.Process(context.Background(), GCEvent("tenant-a", "hash-1")))
	assert.Equal(t, []string{"hash-1"}, be.deleted)
}

func TestDispatchProcessorRoutesByKind(t *testing.T) {
	store := &capturingStore{}
	be := &capturingBackend{}
	disp := NewDispatchProcessor(NewAuditProcessor(store), NewRefcountGCProcessor(store, be))

	require.NoError(t, disp.Process(context.Background(), AuditEvent("t", "a", "write", "o", nil)))
	require.Len(t, store.snapshot(), 1)

	require.NoError(t, disp.Process(context.Background(), GCEvent("t", "hash-2")))
	assert.Equal(t, []string{"hash-2"}, be.deleted)
}

func TestPoolProcessesEnqueuedJobs(t *testing.T) {
	store := &capturingStore{}
	q := NewMemQueue(4)
	pool := NewPool(q, NewAuditProcessor(store), 1, logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	q.Enqueue(AuditEvent("tenant-a", "user:alice", "write", "file:/a.txt", nil))

	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}
