package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"edin/backend/internal/patch"
	"edin/backend/internal/queue"
)

// ErrorHandler 接收无法在本地恢复的错误（入站补丁应用失败、取回文档失败）
type ErrorHandler func(id string, err error)

type Option func(c *Coordinator)

// WithRequestTimeout 单次后端请求的超时
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Coordinator) { c.onError = h }
}

// WithRetry 取回/重新同步失败时的最大重试次数和初始退避
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(c *Coordinator) {
		c.maxRetries = maxRetries
		c.retryInterval = initial
	}
}

// Coordinator 持有 id -> 文档 的唯一注册表，并把后端事件路由到文档。
// 所有后端请求（取回、重新同步、发送）都在同一个串行队列上执行。
type Coordinator struct {
	backend Backend

	timeout       time.Duration
	maxRetries    uint64
	retryInterval time.Duration
	onError       ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	docs     map[string]*Document
	started  bool
	deferred []func()

	requests *queue.Serial
}

func NewCoordinator(b Backend, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		backend:       b,
		timeout:       10 * time.Second,
		maxRetries:    3,
		retryInterval: 100 * time.Millisecond,
		ctx:           ctx,
		cancel:        cancel,
		docs:          make(map[string]*Document),
		requests:      queue.NewSerial("docsync"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onError == nil {
		c.onError = func(id string, err error) {
			glog.Errorf("docsync: document %s: %v", id, err)
		}
	}
	b.BindUpdateListener(c.OnDocumentUpdated)
	b.BindRemoveListener(c.OnDocumentRemoved)
	return c
}

// Doc 取得或创建文档。已存在时原样返回，忽略 initial。
// 新文档版本为 0，并安排一次“取回或创建”请求（未 Start 时延后执行）。
func (c *Coordinator) Doc(id string, initial any, opts ...DocOption) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[id]; ok {
		return d, nil
	}
	content, err := patch.Normalize(initial)
	if err != nil {
		return nil, err
	}
	d := newDocument(c, id, &ownedContent{v: content}, opts)
	c.docs[id] = d
	c.scheduleLocked(func() { c.fetch(d, content) })
	return d, nil
}

// TransientDoc 内容保存在外部存储的文档。initial 为 nil 时用 accessor 当前的值作为默认内容。
func (c *Coordinator) TransientDoc(id string, accessor ContentAccessor, initial any, opts ...DocOption) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[id]; ok {
		return d, nil
	}
	if initial == nil {
		v, err := accessor.Get()
		if err != nil {
			return nil, invalidState(err)
		}
		initial = v
	}
	content, err := patch.Normalize(initial)
	if err != nil {
		return nil, err
	}
	d := newDocument(c, id, accessor, opts)
	c.docs[id] = d
	c.scheduleLocked(func() { c.fetch(d, content) })
	return d, nil
}

func (c *Coordinator) Lookup(id string) (*Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[id]
	return d, ok
}

// Start 标记就绪并按顺序执行所有延后的请求；重复调用无效果
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	for _, fn := range c.deferred {
		c.requests.Go(fn)
	}
	c.deferred = nil
}

// Stop 取消就绪，之后的请求重新进入延后队列
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// Reset 清空注册表并取消就绪，尚未执行的延后请求一并丢弃。
// 文档自身的定时器不受影响，需要逐个 Remove。
func (c *Coordinator) Reset() {
	c.mu.Lock()
	dropped := len(c.deferred)
	c.docs = make(map[string]*Document)
	c.deferred = nil
	c.started = false
	c.mu.Unlock()
	if dropped > 0 {
		glog.V(1).Infof("docsync: reset, drop %d deferred requests", dropped)
	}
}

// Close 停止请求队列，未执行的请求直接丢弃
func (c *Coordinator) Close() {
	c.cancel()
	c.requests.Close()
}

// Sync 等待此前排队的请求全部执行完。未 Start 时会一直等到 ctx 结束。
func (c *Coordinator) Sync(ctx context.Context) error {
	done := make(chan struct{})
	c.schedule(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-c.requests.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 请求队列的 worker 退出后关闭
func (c *Coordinator) Done() <-chan struct{} { return c.requests.Done() }

// OnDocumentUpdated 后端入站更新入口
func (c *Coordinator) OnDocumentUpdated(u Update) error {
	d, ok := c.Lookup(u.ID)
	if !ok || u.Patch.Empty() {
		return nil
	}
	outcome, err := d.applyUpdate(u, true)
	switch {
	case errors.Is(err, ErrRemoved):
		return nil
	case err != nil:
		c.onError(u.ID, err)
		return err
	}
	switch outcome {
	case duplicate:
		glog.V(2).Infof("docsync: %s v%d duplicate, ignored", u.ID, u.Version)
	case desync:
		glog.Warningf("docsync: %s desync (local v%d, remote v%d), refetch", u.ID, d.Version(), u.Version)
		c.resync(d)
	}
	return nil
}

// OnDocumentRemoved 只从注册表移除，不通知订阅者
func (c *Coordinator) OnDocumentRemoved(id string) {
	c.mu.Lock()
	delete(c.docs, id)
	c.mu.Unlock()
}

func (c *Coordinator) detach(d *Document) {
	c.mu.Lock()
	if c.docs[d.id] == d {
		delete(c.docs, d.id)
	}
	c.mu.Unlock()
}

func (c *Coordinator) schedule(fn func()) {
	c.mu.Lock()
	c.scheduleLocked(fn)
	c.mu.Unlock()
}

func (c *Coordinator) scheduleLocked(fn func()) {
	if !c.started {
		c.deferred = append(c.deferred, fn)
		return
	}
	c.requests.Go(fn)
}

// submit 发送一批补丁。失败不重试，改为整体重新同步。
func (c *Coordinator) submit(d *Document, u Update) {
	c.schedule(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		if err := c.backend.UpdateDocument(ctx, u); err != nil {
			glog.Warningf("docsync: submit %s v%d failed, refetch: %v", u.ID, u.Version, err)
			c.refetch(d)
		}
	})
}

func (c *Coordinator) resync(d *Document) {
	c.schedule(func() { c.refetch(d) })
}

func (c *Coordinator) refetch(d *Document) {
	content, err := d.Content()
	if err != nil {
		content = nil
	}
	c.fetch(d, content)
}

// fetch 取回或创建，然后整体覆盖本地
func (c *Coordinator) fetch(d *Document, content any) {
	if d.removedState() {
		return
	}
	snap, err := c.getDocument(d.id, content)
	if err != nil {
		if c.ctx.Err() == nil {
			c.onError(d.id, err)
		}
		return
	}
	if err := d.Overwrite(*snap); err != nil && !errors.Is(err, ErrRemoved) {
		c.onError(d.id, err)
	}
}

func (c *Coordinator) getDocument(id string, content any) (*Snapshot, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), c.ctx)

	var snap *Snapshot
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		s, err := c.backend.GetDocument(ctx, id, content)
		if err != nil {
			glog.V(1).Infof("docsync: get %s: %v", id, err)
			return err
		}
		if s == nil {
			return backoff.Permanent(errors.New("backend returned no snapshot"))
		}
		snap = s
		return nil
	}, b)
	if err != nil {
		return nil, err
	}
	return snap, nil
}
