package docsync

import (
	"context"
	"errors"
	"sync"

	"edin/backend/internal/patch"
)

// memServer 内存版权威后端，所有 memClient 共享。
// 每次应用更新后同步广播给所有客户端（包括发送方）。
type memServer struct {
	mu      sync.Mutex
	docs    map[string]*Snapshot
	clients []*memClient
}

func newMemServer() *memServer {
	return &memServer{docs: make(map[string]*Snapshot)}
}

func (s *memServer) client(cfg Config) *memClient {
	c := &memClient{srv: s, cfg: cfg}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	return c
}

func (s *memServer) put(id string, content any, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = &Snapshot{ID: id, Version: version, Content: patch.MustNormalize(content)}
}

func (s *memServer) get(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return Snapshot{}, false
	}
	return *d, true
}

func (s *memServer) listeners() []*memClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*memClient, len(s.clients))
	copy(out, s.clients)
	return out
}

type memClient struct {
	srv *memServer
	cfg Config

	mu        sync.Mutex
	onUpdate  []UpdateListener
	onRemove  []RemoveListener
	submitted []Update
	gets      []string
	failNext  error
	log       *eventLog
}

func (c *memClient) GetDocument(_ context.Context, id string, content any) (*Snapshot, error) {
	c.mu.Lock()
	c.gets = append(c.gets, id)
	c.mu.Unlock()

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	d, ok := c.srv.docs[id]
	if !ok {
		v, err := patch.Normalize(content)
		if err != nil {
			return nil, err
		}
		d = &Snapshot{ID: id, Content: v}
		c.srv.docs[id] = d
	}
	out := *d
	return &out, nil
}

func (c *memClient) RemoveDocument(_ context.Context, id string) error {
	c.srv.mu.Lock()
	delete(c.srv.docs, id)
	c.srv.mu.Unlock()
	for _, cl := range c.srv.listeners() {
		for _, l := range cl.removeListeners() {
			l(id)
		}
	}
	return nil
}

func (c *memClient) UpdateDocument(_ context.Context, u Update) error {
	c.mu.Lock()
	c.submitted = append(c.submitted, u)
	failure := c.failNext
	c.failNext = nil
	if c.log != nil {
		c.log.add("submit")
	}
	c.mu.Unlock()
	if failure != nil {
		return failure
	}

	c.srv.mu.Lock()
	d, ok := c.srv.docs[u.ID]
	if !ok {
		c.srv.mu.Unlock()
		return errors.New("document not found")
	}
	next, _, err := patch.Apply(d.Content, u.Patch)
	if err != nil {
		c.srv.mu.Unlock()
		return err
	}
	d.Content = next
	d.Version++
	applied := Update{ID: u.ID, Patch: u.Patch, Version: d.Version}
	c.srv.mu.Unlock()

	for _, cl := range c.srv.listeners() {
		for _, l := range cl.updateListeners() {
			_ = l(applied)
		}
	}
	return nil
}

func (c *memClient) BindUpdateListener(l UpdateListener) {
	c.mu.Lock()
	c.onUpdate = append(c.onUpdate, l)
	c.mu.Unlock()
}

func (c *memClient) BindRemoveListener(l RemoveListener) {
	c.mu.Lock()
	c.onRemove = append(c.onRemove, l)
	c.mu.Unlock()
}

func (c *memClient) Config() Config { return c.cfg }

func (c *memClient) updateListeners() []UpdateListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]UpdateListener(nil), c.onUpdate...)
}

func (c *memClient) removeListeners() []RemoveListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RemoveListener(nil), c.onRemove...)
}

func (c *memClient) submissions() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.submitted...)
}

func (c *memClient) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gets)
}

func (c *memClient) failNextSubmit(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

// eventLog 记录通知与发送的先后顺序
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}
