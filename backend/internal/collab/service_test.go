package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edin/backend/internal/docsync"
	"edin/backend/internal/patch"
)

type memDocumentStore struct {
	mu    sync.Mutex
	docs  map[string]docsync.Snapshot
	saves int
}

func newMemDocumentStore() *memDocumentStore {
	return &memDocumentStore{docs: make(map[string]docsync.Snapshot)}
}

func (m *memDocumentStore) LoadDocument(_ context.Context, docID string) (*docsync.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.docs[docID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memDocumentStore) SaveDocument(_ context.Context, snap docsync.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[snap.ID] = snap
	m.saves++
	return nil
}

func (m *memDocumentStore) DeleteDocument(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

type memSnapshotStore struct {
	mu       sync.Mutex
	versions []uint64
}

func (m *memSnapshotStore) SaveDocumentSnapshot(_ context.Context, _ string, version uint64, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions = append(m.versions, version)
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	updates []AppliedUpdate
	removed []string
}

func (o *recordingObserver) DocumentUpdated(u AppliedUpdate) {
	o.mu.Lock()
	o.updates = append(o.updates, u)
	o.mu.Unlock()
}

func (o *recordingObserver) DocumentRemoved(docID string) {
	o.mu.Lock()
	o.removed = append(o.removed, docID)
	o.mu.Unlock()
}

type memPublisher struct {
	mu     sync.Mutex
	events []DocEvent
}

func (p *memPublisher) Enqueue(_ context.Context, evt DocEvent) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func replace(path string, v any) patch.Patch {
	return patch.Patch{{Op: patch.OpReplace, Path: path, Value: v}}
}

func TestGetDocumentCreatesOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(Options{})

	snap, err := svc.GetDocument(ctx, "doc", map[string]any{"test": 6})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Equal(t, map[string]any{"test": float64(6)}, snap.Content)

	again, err := svc.GetDocument(ctx, "doc", map[string]any{"test": 1})
	require.NoError(t, err)
	assert.Equal(t, snap.Content, again.Content)
}

func TestSubmitAssignsVersions(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	obs := &recordingObserver{}
	pub := &memPublisher{}
	svc := NewInMemoryService(Options{Metrics: metrics, Events: pub})
	svc.Subscribe(obs)

	_, err := svc.GetDocument(ctx, "doc", map[string]any{"test": 6})
	require.NoError(t, err)

	// 客户端声明的版本不影响服务端分配
	first, err := svc.Submit(ctx, docsync.Update{ID: "doc", Patch: replace("/test", 9), Version: 1}, "a")
	require.NoError(t, err)
	second, err := svc.Submit(ctx, docsync.Update{ID: "doc", Patch: replace("/test", 10), Version: 1}, "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, uint64(2), second.Version)
	assert.NotEqual(t, first.OperationID, second.OperationID)

	v, err := svc.CurrentVersion(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	require.Len(t, obs.updates, 2)
	assert.Equal(t, uint64(1), obs.updates[0].Version)
	assert.Equal(t, "b", obs.updates[1].ClientID)

	require.Len(t, pub.events, 2)
	assert.Equal(t, EventDocUpdated, pub.events[0].EventType)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.UpdatesApplied))
}

func TestSubmitRejectsUnappliablePatch(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc := NewInMemoryService(Options{Metrics: metrics})
	_, err := svc.GetDocument(ctx, "doc", map[string]any{"a": 1})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, docsync.Update{ID: "doc", Patch: patch.Patch{{Op: patch.OpRemove, Path: "/missing"}}}, "a")
	assert.ErrorIs(t, err, patch.ErrRejected)

	snap, err := svc.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UpdatesRejected.WithLabelValues("patch")))

	_, err = svc.Submit(ctx, docsync.Update{ID: "nope", Patch: replace("/a", 1)}, "a")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestStrictVersions(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(Options{StrictVersions: true})
	_, err := svc.GetDocument(ctx, "doc", map[string]any{"a": 1})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, docsync.Update{ID: "doc", Patch: replace("/a", 2), Version: 3}, "c")
	assert.ErrorIs(t, err, ErrVersionConflict)
	_, err = svc.Submit(ctx, docsync.Update{ID: "doc", Patch: replace("/a", 2), Version: 1}, "c")
	assert.NoError(t, err)
}

func TestOpsSinceUsesRing(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(Options{RingCapacity: 3})
	_, err := svc.GetDocument(ctx, "doc", map[string]any{"n": 0})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := svc.Submit(ctx, docsync.Update{ID: "doc", Patch: replace("/n", i)}, "c")
		require.NoError(t, err)
	}

	ops, err := svc.OpsSince(ctx, "doc", 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, uint64(3), ops[0].Version)

	ops, err = svc.OpsSince(ctx, "doc", 3, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(4), ops[0].Version)

	ops, err = svc.OpsSince(ctx, "missing", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestStoresAreWrittenThrough(t *testing.T) {
	ctx := context.Background()
	docs := newMemDocumentStore()
	snaps := &memSnapshotStore{}
	svc := NewInMemoryService(Options{Documents: docs, Snapshots: snaps, SnapshotEvery: 2})

	_, err := svc.GetDocument(ctx, "doc", map[string]any{"n": 0})
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		_, err := svc.Submit(ctx, docsync.Update{ID: "doc", Patch: replace("/n", i)}, "c")
		require.NoError(t, err)
	}
	stored, err := docs.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint64(4), stored.Version)
	assert.Equal(t, []uint64{2, 4}, snaps.versions)

	require.NoError(t, svc.SaveSnapshot(ctx, "doc"))
	assert.Equal(t, []uint64{2, 4, 4}, snaps.versions)

	// 新实例从存储加载已有文档，而不是用默认内容新建
	fresh := NewInMemoryService(Options{Documents: docs})
	snap, err := fresh.GetDocument(ctx, "doc", map[string]any{"n": -1})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Version)
	assert.Equal(t, map[string]any{"n": float64(4)}, snap.Content)
}

func TestRemoveDocument(t *testing.T) {
	ctx := context.Background()
	docs := newMemDocumentStore()
	obs := &recordingObserver{}
	pub := &memPublisher{}
	svc := NewInMemoryService(Options{Documents: docs, Events: pub})
	cancel := svc.Subscribe(obs)
	defer cancel()

	_, err := svc.GetDocument(ctx, "doc", map[string]any{})
	require.NoError(t, err)

	existed, err := svc.RemoveDocument(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []string{"doc"}, obs.removed)
	assert.Equal(t, EventDocRemoved, pub.events[len(pub.events)-1].EventType)

	snap, err := svc.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, snap)

	existed, err = svc.RemoveDocument(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Len(t, obs.removed, 1)

	_, err = svc.Submit(ctx, docsync.Update{ID: "doc", Patch: replace("/a", 1)}, "c")
	assert.True(t, errors.Is(err, ErrDocumentNotFound))
}

func TestSaveSnapshotWithoutStore(t *testing.T) {
	svc := NewInMemoryService(Options{})
	assert.Error(t, svc.SaveSnapshot(context.Background(), "doc"))
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))
	assert.Equal(t, 1, sem.InUse())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), ErrSemaphoreTimeout)

	require.NoError(t, sem.Release())
	assert.Error(t, sem.Release())
}
