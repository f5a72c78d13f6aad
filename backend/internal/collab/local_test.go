package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edin/backend/internal/docsync"
	"edin/backend/internal/patch"
)

func newLocalClient(t *testing.T, svc Service, cfg docsync.Config) (*docsync.Coordinator, *LocalBackend) {
	t.Helper()
	b := NewLocalBackend(svc, cfg)
	c := docsync.NewCoordinator(b, docsync.WithRequestTimeout(time.Second))
	t.Cleanup(func() {
		c.Close()
		b.Close()
		<-c.Done()
		<-b.Done()
	})
	return c, b
}

func ready(t *testing.T, d *docsync.Document) {
	t.Helper()
	select {
	case <-d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s not ready", d.ID())
	}
}

func TestLocalBackendTwoClients(t *testing.T) {
	svc := NewInMemoryService(Options{})
	a, _ := newLocalClient(t, svc, docsync.Config{})
	b, _ := newLocalClient(t, svc, docsync.Config{})
	a.Start()
	b.Start()

	docA, err := a.Doc("shared", map[string]any{"test": 0})
	require.NoError(t, err)
	ready(t, docA)
	docB, err := b.Doc("shared", map[string]any{"test": 0})
	require.NoError(t, err)
	ready(t, docB)

	require.NoError(t, docA.Set("/test", 9))

	require.Eventually(t, func() bool { return docB.Version() == 1 }, 2*time.Second, 5*time.Millisecond)
	content, err := docB.Content()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"test": float64(9)}, content)

	v, err := svc.CurrentVersion(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	// 发送方收到自己的回显，按重复处理
	assert.Equal(t, uint64(1), docA.Version())
}

func TestLocalBackendBatching(t *testing.T) {
	svc := NewInMemoryService(Options{})
	c, _ := newLocalClient(t, svc, docsync.Config{BatchTime: 15 * time.Millisecond})
	c.Start()
	d, err := c.Doc("doc", map[string]any{"a": 0, "b": 0})
	require.NoError(t, err)
	ready(t, d)

	require.NoError(t, d.Set("/a", 1))
	require.NoError(t, d.Set("/b", 1))

	require.Eventually(t, func() bool {
		v, _ := svc.CurrentVersion(context.Background(), "doc")
		return v == 1
	}, 2*time.Second, 5*time.Millisecond)
	ops, err := svc.OpsSince(context.Background(), "doc", 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Len(t, ops[0].Patch, 2)
}

func TestLocalBackendRemove(t *testing.T) {
	svc := NewInMemoryService(Options{})
	a, _ := newLocalClient(t, svc, docsync.Config{})
	b, _ := newLocalClient(t, svc, docsync.Config{})
	a.Start()
	b.Start()

	docA, err := a.Doc("doc", map[string]any{})
	require.NoError(t, err)
	ready(t, docA)
	docB, err := b.Doc("doc", map[string]any{})
	require.NoError(t, err)
	ready(t, docB)

	require.NoError(t, docA.Remove(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := b.Lookup("doc")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := svc.LoadDocument(context.Background(), "doc")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLocalBackendRejectedSubmitResyncs(t *testing.T) {
	svc := NewInMemoryService(Options{})
	c, _ := newLocalClient(t, svc, docsync.Config{})
	c.Start()
	d, err := c.Doc("doc", map[string]any{"a": 1})
	require.NoError(t, err)
	ready(t, d)

	// 服务端先删掉字段，本地基于旧内容的 replace 会被拒绝
	_, err = svc.Submit(context.Background(), docsync.Update{ID: "doc", Patch: patch.Patch{{Op: patch.OpRemove, Path: "/a"}}}, "other")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Version() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Overwrite(docsync.Snapshot{ID: "doc", Version: 1, Content: map[string]any{"a": 1}}))
	require.NoError(t, d.Set("/a", 2))

	require.Eventually(t, func() bool {
		content, err := d.Content()
		return err == nil && assert.ObjectsAreEqual(map[string]any{}, content)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), d.Version())
}
