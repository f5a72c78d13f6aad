package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"edin/backend/internal/patch"
)

// Updater 接收当前内容的私有深拷贝，返回新内容。
// 并发调用 Update 时可能被重试，必须是纯函数。
type Updater func(draft any) any

// Handler 内容变化时同步调用，content 不可修改
type Handler func(content any)

type subscriber struct {
	id uint64
	fn Handler
}

// flushTask 一次延迟发送；同一文档任意时刻最多一个
type flushTask struct {
	timer *time.Timer
}

func (t *flushTask) cancel() { t.timer.Stop() }

// Document 同步文档：本地乐观更新 + 批量发送 + 按版本号应用入站更新
type Document struct {
	id    string
	coord *Coordinator
	cfg   Config

	mu         sync.Mutex
	content    ContentAccessor
	version    uint64
	gen        uint64 // 每次提交内容 +1，用于 Update 的乐观并发控制
	subs       []subscriber
	nextSubID  uint64
	queue      patch.Patch
	pending    *flushTask
	middleware Middleware
	removed    bool

	readyOnce sync.Once
	ready     chan struct{}
}

func newDocument(c *Coordinator, id string, content ContentAccessor, opts []DocOption) *Document {
	d := &Document{
		id:      id,
		coord:   c,
		cfg:     c.backend.Config(),
		content: content,
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Document) ID() string { return d.id }

func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Content 返回当前内容，调用方不可修改
func (d *Document) Content() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.content.Get()
	if err != nil {
		return nil, invalidState(err)
	}
	return v, nil
}

// Ready 第一次被后端数据覆盖时关闭，之后一直保持关闭
func (d *Document) Ready() <-chan struct{} { return d.ready }

// Subscribe 注册监听，返回的取消函数可重复调用
func (d *Document) Subscribe(h Handler) func() {
	d.mu.Lock()
	d.nextSubID++
	id := d.nextSubID
	d.subs = append(d.subs, subscriber{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Update 本地乐观更新：
// 1. 对当前内容做 diff
// 2. 提交内容并同步通知订阅者
// 3. 之后才安排发送（立即或批量）
func (d *Document) Update(fn Updater) error {
	for {
		d.mu.Lock()
		if d.removed {
			d.mu.Unlock()
			return ErrRemoved
		}
		gen := d.gen
		accessor := d.content
		d.mu.Unlock()

		cur, err := accessor.Get()
		if err != nil {
			return invalidState(err)
		}
		before, err := patch.Normalize(cur)
		if err != nil {
			return invalidState(err)
		}
		draft, err := patch.Normalize(before)
		if err != nil {
			return invalidState(err)
		}
		after, err := patch.Normalize(fn(draft))
		if err != nil {
			return err
		}
		p, err := patch.Diff(before, after)
		if err != nil {
			return err
		}
		if p.Empty() {
			return nil
		}

		d.mu.Lock()
		if d.removed {
			d.mu.Unlock()
			return ErrRemoved
		}
		if d.gen != gen {
			// 期间内容被其它提交改过，基于最新内容重算
			d.mu.Unlock()
			continue
		}
		if err := d.content.Set(after); err != nil {
			d.mu.Unlock()
			return invalidState(err)
		}
		d.gen++
		out, flush := d.enqueueLocked(p)
		subs := d.subscribersLocked()
		d.mu.Unlock()

		notify(subs, after)
		if flush {
			d.coord.submit(d, out)
		}
		return nil
	}
}

// Set 把 pointer 位置写成 value（存在则 replace，不存在则 add）
func (d *Document) Set(pointer string, value any) error {
	var applyErr error
	err := d.Update(func(draft any) any {
		op := patch.OpAdd
		if _, ok := patch.Get(draft, pointer); ok {
			op = patch.OpReplace
		}
		next, _, err := patch.Apply(draft, patch.Patch{{Op: op, Path: pointer, Value: value}})
		applyErr = err
		return next
	})
	if err != nil {
		return err
	}
	return applyErr
}

// 入队，返回需要立刻发送的批次
func (d *Document) enqueueLocked(p patch.Patch) (Update, bool) {
	if d.cfg.BatchTime <= 0 {
		d.version++
		return Update{ID: d.id, Patch: p, Version: d.version}, true
	}
	d.queue = append(d.queue, p...)
	if d.cfg.MaxBatchSize > 0 && d.queue.Size() >= d.cfg.MaxBatchSize {
		return d.takeBatchLocked(), true
	}
	if d.pending == nil {
		t := &flushTask{}
		t.timer = time.AfterFunc(d.cfg.BatchTime, func() { d.flush(t) })
		d.pending = t
	}
	return Update{}, false
}

// 取出整批，版本只加一次
func (d *Document) takeBatchLocked() Update {
	if d.pending != nil {
		d.pending.cancel()
		d.pending = nil
	}
	d.version++
	u := Update{ID: d.id, Patch: d.queue, Version: d.version}
	d.queue = nil
	return u
}

func (d *Document) flush(t *flushTask) {
	d.mu.Lock()
	if d.pending != t || d.removed {
		// 已被取消或替换
		d.mu.Unlock()
		return
	}
	d.pending = nil
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	u := d.takeBatchLocked()
	d.mu.Unlock()

	d.coord.submit(d, u)
}

// Flush 不等批处理定时器，立刻提交排队中的补丁
func (d *Document) Flush() {
	d.mu.Lock()
	if d.removed || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	u := d.takeBatchLocked()
	d.mu.Unlock()

	d.coord.submit(d, u)
}

// ApplyUpdate 应用入站更新：先过中间件，剩余补丁整体应用，失败则不做任何修改
func (d *Document) ApplyUpdate(u Update) error {
	_, err := d.applyUpdate(u, false)
	return err
}

type applyOutcome int

const (
	applied applyOutcome = iota
	duplicate
	desync
)

// gated 为 true 时在锁内校验版本号：
// - 等于当前版本：重复，忽略
// - 等于当前版本 +1：应用
// - 其它：失步
func (d *Document) applyUpdate(u Update, gated bool) (applyOutcome, error) {
	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return applied, ErrRemoved
	}
	if gated {
		if o, ok := d.gateLocked(u.Version); !ok {
			d.mu.Unlock()
			return o, nil
		}
	}
	mw := d.middleware
	d.mu.Unlock()

	rest := u
	if mw != nil {
		rest = mw(u, d)
	}

	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return applied, ErrRemoved
	}
	if gated {
		// 中间件执行期间版本可能已变化
		if o, ok := d.gateLocked(u.Version); !ok {
			d.mu.Unlock()
			return o, nil
		}
	}
	cur, err := d.content.Get()
	if err != nil {
		d.mu.Unlock()
		return applied, &ApplyError{ID: u.ID, Version: u.Version, Err: invalidState(err)}
	}
	next := cur
	if len(rest.Patch) > 0 {
		next, _, err = patch.Apply(cur, rest.Patch)
		if err != nil {
			d.mu.Unlock()
			return applied, &ApplyError{ID: u.ID, Version: u.Version, Err: err}
		}
		if err := d.content.Set(next); err != nil {
			d.mu.Unlock()
			return applied, &ApplyError{ID: u.ID, Version: u.Version, Err: invalidState(err)}
		}
	}
	d.version = u.Version
	d.gen++
	subs := d.subscribersLocked()
	d.mu.Unlock()

	notify(subs, next)
	return applied, nil
}

func (d *Document) gateLocked(v uint64) (applyOutcome, bool) {
	switch v {
	case d.version + 1:
		return applied, true
	case d.version:
		return duplicate, false
	default:
		return desync, false
	}
}

// Overwrite 用后端快照整体覆盖内容和版本，未发送的本地补丁保留
func (d *Document) Overwrite(s Snapshot) error {
	content, err := patch.Normalize(s.Content)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return ErrRemoved
	}
	if err := d.content.Set(content); err != nil {
		d.mu.Unlock()
		return invalidState(err)
	}
	d.version = s.Version
	d.gen++
	subs := d.subscribersLocked()
	d.mu.Unlock()

	notify(subs, content)
	d.readyOnce.Do(func() { close(d.ready) })
	return nil
}

// Remove 取消待发送批次、清空订阅者，并请求后端删除
func (d *Document) Remove(ctx context.Context) error {
	d.mu.Lock()
	if d.pending != nil {
		d.pending.cancel()
		d.pending = nil
	}
	d.queue = nil
	d.subs = nil
	already := d.removed
	d.removed = true
	d.mu.Unlock()

	if already {
		return nil
	}
	d.coord.detach(d)
	if err := d.coord.backend.RemoveDocument(ctx, d.id); err != nil {
		glog.Warningf("docsync: remove %s: %v", d.id, err)
		return err
	}
	return nil
}

func (d *Document) removedState() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

func (d *Document) subscribersLocked() []subscriber {
	if len(d.subs) == 0 {
		return nil
	}
	out := make([]subscriber, len(d.subs))
	copy(out, d.subs)
	return out
}

func notify(subs []subscriber, content any) {
	for _, s := range subs {
		s.fn(content)
	}
}
