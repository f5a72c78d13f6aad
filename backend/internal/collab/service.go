package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"edin/backend/internal/docsync"
	"edin/backend/internal/patch"
)

// 协作引擎接口：权威的文档状态与版本号
type Service interface {
	// 取回或创建：不存在时以 content 创建，版本 0
	GetDocument(ctx context.Context, docID string, content any) (docsync.Snapshot, error)
	// 只读取，不存在返回 nil
	LoadDocument(ctx context.Context, docID string) (*docsync.Snapshot, error)

	// 应用补丁，版本号由服务端分配（current+1）
	Submit(ctx context.Context, u docsync.Update, clientID string) (AppliedUpdate, error)

	RemoveDocument(ctx context.Context, docID string) (bool, error)

	CurrentVersion(ctx context.Context, docID string) (uint64, error)

	// 可选：用于握手/追平
	OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedUpdate, error)

	SaveSnapshot(ctx context.Context, docID string) error

	// 订阅已应用的更新与删除，返回取消函数
	Subscribe(o Observer) func()
}

// Observer 在文档锁内按版本顺序回调，实现方不能阻塞
type Observer interface {
	DocumentUpdated(u AppliedUpdate)
	DocumentRemoved(docID string)
}

// 文档当前状态的持久化，Load 不存在时返回 nil, nil
type DocumentStore interface {
	LoadDocument(ctx context.Context, docID string) (*docsync.Snapshot, error)
	SaveDocument(ctx context.Context, snap docsync.Snapshot) error
	DeleteDocument(ctx context.Context, docID string) error
}

// 快照存储接口
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content []byte) error
}

// 冷文档的读缓存
type SnapshotCache interface {
	GetOrLoad(ctx context.Context, docID string, load func(ctx context.Context) (*docsync.Snapshot, error)) (*docsync.Snapshot, error)
	Set(ctx context.Context, snap docsync.Snapshot) error
	Invalidate(ctx context.Context, docID string) error
}

type EventPublisher interface {
	Enqueue(ctx context.Context, evt DocEvent) error
}

type AppliedUpdate struct {
	OperationID string      `json:"operationId"` // 本次操作的唯一ID（用于幂等/追踪）
	DocID       string      `json:"docId"`
	Version     uint64      `json:"version"` // 应用之后的版本号
	ClientID    string      `json:"clientId,omitempty"`
	Patch       patch.Patch `json:"patch"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

var (
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")
	ErrVersionConflict  = errors.New("VERSION_CONFLICT")
)

type docState struct {
	mu      sync.RWMutex
	version uint64
	content any
	opsRing []AppliedUpdate
	removed bool
}

type Options struct {
	RingCapacity int
	// 开启后，提交的版本必须等于 current+1
	StrictVersions bool
	// 每隔多少个版本写一次历史快照，0 表示只在手动保存时写
	SnapshotEvery uint64

	Documents DocumentStore
	Snapshots SnapshotStore
	Cache     SnapshotCache
	Events    EventPublisher
	Metrics   *Metrics
}

// 内存实现：持有所有已加载文档的状态，按需读写存储
type InMemoryService struct {
	mu      sync.RWMutex
	docs    map[string]*docState
	ringCap int
	strict  bool
	every   uint64

	// 依赖注入，均可为 nil
	documents DocumentStore
	snapshots SnapshotStore
	cache     SnapshotCache
	events    EventPublisher
	metrics   *Metrics

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObsID uint64
}

// NewInMemoryService 返回一个满足 Service 接口的实例
func NewInMemoryService(opt Options) *InMemoryService {
	capacity := opt.RingCapacity
	if capacity <= 0 {
		capacity = 1024 // 近期操作环形缓冲容量
	}
	return &InMemoryService{
		docs:      make(map[string]*docState),
		ringCap:   capacity,
		strict:    opt.StrictVersions,
		every:     opt.SnapshotEvery,
		documents: opt.Documents,
		snapshots: opt.Snapshots,
		cache:     opt.Cache,
		events:    opt.Events,
		metrics:   opt.Metrics,
		observers: make(map[uint64]Observer),
	}
}

func (s *InMemoryService) lookup(docID string) *docState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID]
}

// 内存未命中时从缓存/存储加载，不创建
func (s *InMemoryService) loadDoc(ctx context.Context, docID string) (*docState, error) {
	if ds := s.lookup(docID); ds != nil {
		return ds, nil
	}
	snap, err := s.loadStored(ctx, docID)
	if err != nil || snap == nil {
		return nil, err
	}
	return s.install(docID, snap.Version, snap.Content), nil
}

func (s *InMemoryService) loadStored(ctx context.Context, docID string) (*docsync.Snapshot, error) {
	if s.documents == nil {
		return nil, nil
	}
	load := func(ctx context.Context) (*docsync.Snapshot, error) {
		return s.documents.LoadDocument(ctx, docID)
	}
	if s.cache != nil {
		return s.cache.GetOrLoad(ctx, docID, load)
	}
	return load(ctx)
}

// 已有则返回已有的，避免并发加载时覆盖
func (s *InMemoryService) install(docID string, version uint64, content any) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds := s.docs[docID]; ds != nil {
		return ds
	}
	ds := &docState{
		version: version,
		content: content,
		opsRing: make([]AppliedUpdate, 0, s.ringCap),
	}
	s.docs[docID] = ds
	s.metrics.setActive(len(s.docs))
	return ds
}

func (s *InMemoryService) GetDocument(ctx context.Context, docID string, content any) (docsync.Snapshot, error) {
	ds, err := s.loadDoc(ctx, docID)
	if err != nil {
		return docsync.Snapshot{}, err
	}
	if ds == nil {
		initial, err := patch.Normalize(content)
		if err != nil {
			return docsync.Snapshot{}, err
		}
		s.mu.Lock()
		if ds = s.docs[docID]; ds == nil {
			ds = &docState{content: initial, opsRing: make([]AppliedUpdate, 0, s.ringCap)}
			s.docs[docID] = ds
			s.metrics.setActive(len(s.docs))
			s.metrics.documentCreated()
			glog.V(1).Infof("collab: created document %s", docID)
		}
		s.mu.Unlock()
		ds.mu.Lock()
		s.persistLocked(ctx, docID, ds)
		ds.mu.Unlock()
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return docsync.Snapshot{ID: docID, Version: ds.version, Content: ds.content}, nil
}

func (s *InMemoryService) LoadDocument(ctx context.Context, docID string) (*docsync.Snapshot, error) {
	ds, err := s.loadDoc(ctx, docID)
	if err != nil || ds == nil {
		return nil, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if ds.removed {
		return nil, nil
	}
	return &docsync.Snapshot{ID: docID, Version: ds.version, Content: ds.content}, nil
}

// 提交补丁（InMemoryService 实现）
func (s *InMemoryService) Submit(ctx context.Context, u docsync.Update, clientID string) (AppliedUpdate, error) {
	start := time.Now()
	defer s.metrics.observeSubmit(start)

	ds, err := s.loadDoc(ctx, u.ID)
	if err != nil {
		return AppliedUpdate{}, err
	}
	if ds == nil {
		s.metrics.rejected("not_found")
		return AppliedUpdate{}, ErrDocumentNotFound
	}

	ds.mu.Lock()
	if ds.removed {
		ds.mu.Unlock()
		s.metrics.rejected("not_found")
		return AppliedUpdate{}, ErrDocumentNotFound
	}
	// 版本校验（严格模式）
	if s.strict && u.Version != ds.version+1 {
		ds.mu.Unlock()
		s.metrics.rejected("conflict")
		return AppliedUpdate{}, ErrVersionConflict
	}
	next, _, err := patch.Apply(ds.content, u.Patch)
	if err != nil {
		ds.mu.Unlock()
		s.metrics.rejected("patch")
		return AppliedUpdate{}, err
	}

	// 推进版本
	ds.version++
	ds.content = next
	applied := AppliedUpdate{
		OperationID: ulid.Make().String(),
		DocID:       u.ID,
		Version:     ds.version,
		ClientID:    clientID,
		Patch:       u.Patch,
		AppliedAt:   time.Now(),
	}

	// 保存到环形缓冲（如果达到容量则丢弃最老的一条）
	if cap(ds.opsRing) > 0 && len(ds.opsRing) == cap(ds.opsRing) {
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, applied)

	s.persistLocked(ctx, u.ID, ds)
	if s.every > 0 && ds.version%s.every == 0 {
		if err := s.saveSnapshotLocked(ctx, u.ID, ds); err != nil {
			glog.Warningf("collab: snapshot %s v%d: %v", u.ID, ds.version, err)
		}
	}
	for _, o := range s.observerList() {
		o.DocumentUpdated(applied)
	}
	ds.mu.Unlock()

	s.metrics.applied()
	s.publish(DocEvent{
		EventType:   EventDocUpdated,
		DocID:       u.ID,
		OperationID: applied.OperationID,
		Version:     applied.Version,
		ClientID:    clientID,
		Patch:       applied.Patch,
		AppliedAt:   applied.AppliedAt,
	})
	return applied, nil
}

// 写穿到存储和缓存；失败只记日志，内存状态仍然是权威
func (s *InMemoryService) persistLocked(ctx context.Context, docID string, ds *docState) {
	snap := docsync.Snapshot{ID: docID, Version: ds.version, Content: ds.content}
	if s.documents != nil {
		if err := s.documents.SaveDocument(ctx, snap); err != nil {
			glog.Errorf("collab: persist %s v%d: %v", docID, ds.version, err)
			return
		}
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, snap); err != nil {
			glog.Warningf("collab: cache %s v%d: %v", docID, ds.version, err)
		}
	}
}

func (s *InMemoryService) RemoveDocument(ctx context.Context, docID string) (bool, error) {
	s.mu.Lock()
	ds := s.docs[docID]
	delete(s.docs, docID)
	s.metrics.setActive(len(s.docs))
	s.mu.Unlock()

	existed := ds != nil
	if ds != nil {
		ds.mu.Lock()
		ds.removed = true
		ds.mu.Unlock()
	}
	if s.documents != nil {
		if !existed {
			snap, err := s.documents.LoadDocument(ctx, docID)
			if err != nil {
				return false, err
			}
			existed = snap != nil
		}
		if err := s.documents.DeleteDocument(ctx, docID); err != nil {
			return existed, err
		}
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, docID); err != nil {
			glog.Warningf("collab: invalidate %s: %v", docID, err)
		}
	}
	if !existed {
		return false, nil
	}

	s.metrics.documentRemoved()
	for _, o := range s.observerList() {
		o.DocumentRemoved(docID)
	}
	s.publish(DocEvent{
		EventType:   EventDocRemoved,
		DocID:       docID,
		OperationID: ulid.Make().String(),
		AppliedAt:   time.Now(),
	})
	return true, nil
}

// 返回当前文档版本（InMemoryService 实现）
func (s *InMemoryService) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return 0, nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.version, nil
}

// 返回 fromVersion 之后的已应用更新（InMemoryService 实现）
func (s *InMemoryService) OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedUpdate, error) {
	ds := s.lookup(docID)
	if ds == nil {
		return nil, nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	var out []AppliedUpdate
	for _, op := range ds.opsRing {
		if op.Version > fromVersion {
			out = append(out, op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return errors.New("snapshot store not initialized")
	}
	ds := s.lookup(docID)
	if ds == nil {
		return ErrDocumentNotFound
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return s.saveSnapshotLocked(ctx, docID, ds)
}

func (s *InMemoryService) saveSnapshotLocked(ctx context.Context, docID string, ds *docState) error {
	if s.snapshots == nil {
		return nil
	}
	b, err := json.Marshal(ds.content)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, ds.version, b)
}

func (s *InMemoryService) Subscribe(o Observer) func() {
	s.obsMu.Lock()
	s.nextObsID++
	id := s.nextObsID
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *InMemoryService) observerList() []Observer {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	out := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		out = append(out, o)
	}
	return out
}

// 异步发 Kafka（不阻塞主流程）
func (s *InMemoryService) publish(evt DocEvent) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.events.Enqueue(ctx, evt); err != nil {
		glog.Warningf("collab: drop event %s doc=%s v%d: %v", evt.EventType, evt.DocID, evt.Version, err)
	}
}
