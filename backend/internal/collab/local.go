package collab

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"edin/backend/internal/docsync"
	"edin/backend/internal/queue"
)

// LocalBackend 进程内的 docsync.Backend，直接调用协作引擎。
// 引擎的事件放到自己的串行队列里投递，和网络后端一样是异步的。
type LocalBackend struct {
	svc      Service
	cfg      docsync.Config
	clientID string

	events *queue.Serial
	cancel func()

	mu       sync.RWMutex
	onUpdate []docsync.UpdateListener
	onRemove []docsync.RemoveListener
}

func NewLocalBackend(svc Service, cfg docsync.Config) *LocalBackend {
	b := &LocalBackend{
		svc:      svc,
		cfg:      cfg,
		clientID: uuid.NewString(),
		events:   queue.NewSerial("local-backend"),
	}
	b.cancel = svc.Subscribe(b)
	return b
}

func (b *LocalBackend) ClientID() string { return b.clientID }

func (b *LocalBackend) GetDocument(ctx context.Context, id string, content any) (*docsync.Snapshot, error) {
	snap, err := b.svc.GetDocument(ctx, id, content)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *LocalBackend) RemoveDocument(ctx context.Context, id string) error {
	_, err := b.svc.RemoveDocument(ctx, id)
	return err
}

func (b *LocalBackend) UpdateDocument(ctx context.Context, u docsync.Update) error {
	_, err := b.svc.Submit(ctx, u, b.clientID)
	return err
}

func (b *LocalBackend) BindUpdateListener(l docsync.UpdateListener) {
	b.mu.Lock()
	b.onUpdate = append(b.onUpdate, l)
	b.mu.Unlock()
}

func (b *LocalBackend) BindRemoveListener(l docsync.RemoveListener) {
	b.mu.Lock()
	b.onRemove = append(b.onRemove, l)
	b.mu.Unlock()
}

func (b *LocalBackend) Config() docsync.Config { return b.cfg }

// DocumentUpdated 在引擎的文档锁内被调用，只入队
func (b *LocalBackend) DocumentUpdated(u AppliedUpdate) {
	env := docsync.Update{ID: u.DocID, Patch: u.Patch, Version: u.Version}
	b.events.Go(func() {
		b.mu.RLock()
		listeners := append([]docsync.UpdateListener(nil), b.onUpdate...)
		b.mu.RUnlock()
		for _, l := range listeners {
			_ = l(env)
		}
	})
}

func (b *LocalBackend) DocumentRemoved(docID string) {
	b.events.Go(func() {
		b.mu.RLock()
		listeners := append([]docsync.RemoveListener(nil), b.onRemove...)
		b.mu.RUnlock()
		for _, l := range listeners {
			l(docID)
		}
	})
}

// Close 取消订阅并停止事件投递
func (b *LocalBackend) Close() {
	b.cancel()
	b.events.Close()
}

func (b *LocalBackend) Done() <-chan struct{} { return b.events.Done() }
