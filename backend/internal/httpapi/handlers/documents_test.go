package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edin/backend/internal/cache"
	"edin/backend/internal/collab"
	"edin/backend/internal/docsync"
)

type memSnapshots struct {
	mu    sync.Mutex
	saved map[string]docsync.Snapshot
}

func (m *memSnapshots) SaveDocumentSnapshot(_ context.Context, docID string, version uint64, content []byte) error {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return err
	}
	m.mu.Lock()
	m.saved[docID] = docsync.Snapshot{ID: docID, Version: version, Content: v}
	m.mu.Unlock()
	return nil
}

func (m *memSnapshots) LatestSnapshot(_ context.Context, docID string) (*docsync.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[docID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

type fixture struct {
	router   *gin.Engine
	svc      *collab.InMemoryService
	presence cache.PresenceCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	snaps := &memSnapshots{saved: make(map[string]docsync.Snapshot)}
	svc := collab.NewInMemoryService(collab.Options{Snapshots: snaps, StrictVersions: true})
	presence := cache.NewRedisPresence(rdb)

	r := gin.New()
	r.GET("/healthz", Healthz)
	NewDocuments(svc, presence, snaps).Register(r)
	return &fixture{router: r, svc: svc, presence: presence}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetDocument(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/documents/doc", "").Code)

	_, err := f.svc.GetDocument(context.Background(), "doc", map[string]any{"a": 1})
	require.NoError(t, err)
	w := f.do(http.MethodGet, "/documents/doc", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "doc", body["id"])
	assert.Equal(t, float64(0), body["version"])
	assert.Equal(t, map[string]any{"a": float64(1)}, body["content"])
}

func TestPatchDocumentStatusMapping(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetDocument(context.Background(), "doc", map[string]any{"a": 1})
	require.NoError(t, err)

	w := f.do(http.MethodPatch, "/documents/doc", `{"patch":[{"op":"replace","path":"/a","value":2}],"version":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["version"])

	// 版本不连续
	w = f.do(http.MethodPatch, "/documents/doc", `{"patch":[{"op":"replace","path":"/a","value":3}],"version":5}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPatch, "/documents/doc", `{"patch":[{"op":"remove","path":"/missing"}],"version":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodPatch, "/documents/ghost", `{"patch":[{"op":"add","path":"/a","value":1}],"version":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPatch, "/documents/doc", `{"version":2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetDocument(ctx, "doc", map[string]any{"n": 0})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		w := f.do(http.MethodPatch, "/documents/doc", fmt.Sprintf(`{"patch":[{"op":"replace","path":"/n","value":%d}],"version":%d}`, i, i))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := f.do(http.MethodGet, "/documents/doc/updates?from=1&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["version"])
	updates := body["updates"].([]any)
	require.Len(t, updates, 1)
	assert.Equal(t, float64(2), updates[0].(map[string]any)["version"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/documents/doc/updates?from=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/documents/doc/updates?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/documents/ghost/updates", "").Code)
}

func TestSnapshotEndpoints(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/documents/doc/snapshot", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/documents/doc/snapshot", "").Code)

	_, err := f.svc.GetDocument(context.Background(), "doc", []any{"x"})
	require.NoError(t, err)
	w := f.do(http.MethodPost, "/documents/doc/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/documents/doc/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"x"}, decode(t, w)["content"])
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetDocument(context.Background(), "doc", map[string]any{})
	require.NoError(t, err)

	w := f.do(http.MethodDelete, "/documents/doc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["removed"])

	w = f.do(http.MethodDelete, "/documents/doc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["removed"])
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/documents/doc", "").Code)
}

func TestListMembers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.presence.AddMember(context.Background(), "doc", "c1", "alice", time.Minute))

	w := f.do(http.MethodGet, "/documents/doc/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	members := decode(t, w)["members"].([]any)
	require.Len(t, members, 1)
	assert.Equal(t, map[string]any{"clientId": "c1", "name": "alice"}, members[0])

	w = f.do(http.MethodGet, "/documents/empty/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["members"])
}
