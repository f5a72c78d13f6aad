// Package wsbackend 通过 websocket 连接 edin_server 的 docsync.Backend 实现。
package wsbackend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"edin/backend/internal/cache"
	"edin/backend/internal/docsync"
	"edin/backend/internal/ws"
)

var (
	ErrClosed   = errors.New("wsbackend: connection closed")
	ErrNotFound = errors.New("wsbackend: document not found")
)

// RemoteError 服务端返回的 error 消息
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case ws.CodeRejected:
		return docsync.ErrRejected
	case ws.CodeNotFound:
		return ErrNotFound
	}
	return nil
}

type PresenceHandler func(docID string, members []cache.PresenceMember)

type options struct {
	dialer       *websocket.Dialer
	maxRetries   uint64
	retryInitial time.Duration
	handshake    time.Duration
	override     *docsync.Config
	heartbeat    time.Duration
	name         string
	onPresence   PresenceHandler
}

type Option func(*options)

func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithDialRetry 建连失败时的重试次数与初始间隔
func WithDialRetry(maxRetries uint64, initial time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryInitial = initial
	}
}

// WithConfig 用本地的批量参数覆盖服务端下发的
func WithConfig(cfg docsync.Config) Option { return func(o *options) { o.override = &cfg } }

// WithHeartbeat 定时发送心跳，刷新在线状态
func WithHeartbeat(interval time.Duration, name string) Option {
	return func(o *options) {
		o.heartbeat = interval
		o.name = name
	}
}

func WithPresenceHandler(h PresenceHandler) Option { return func(o *options) { o.onPresence = h } }

type Backend struct {
	conn     *websocket.Conn
	clientID string
	cfg      docsync.Config
	opt      options

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ws.ServerMessage
	closed  bool

	lmu      sync.RWMutex
	onUpdate []docsync.UpdateListener
	onRemove []docsync.RemoveListener

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

var _ docsync.Backend = (*Backend)(nil)

// Dial 建立连接并完成 welcome 握手
func Dial(ctx context.Context, url string, opts ...Option) (*Backend, error) {
	o := options{
		dialer:       websocket.DefaultDialer,
		maxRetries:   3,
		retryInitial: 200 * time.Millisecond,
		handshake:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var conn *websocket.Conn
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.retryInitial
	err := backoff.RetryNotify(func() error {
		c, _, err := o.dialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(eb, o.maxRetries), ctx), func(err error, d time.Duration) {
		glog.Warningf("[wsbackend] dial %s: %v, retry in %v", url, err, d)
	})
	if err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(o.handshake))
	var welcome ws.ServerMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsbackend: handshake: %w", err)
	}
	if welcome.Type != ws.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("wsbackend: expected welcome, got %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	b := &Backend{
		conn:     conn,
		clientID: welcome.ClientID,
		opt:      o,
		pending:  make(map[string]chan ws.ServerMessage),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if welcome.Config != nil {
		b.cfg = docsync.Config{
			BatchTime:    time.Duration(welcome.Config.BatchTimeMs) * time.Millisecond,
			MaxBatchSize: welcome.Config.MaxBatchSize,
		}
	}
	if o.override != nil {
		b.cfg = *o.override
	}

	go b.readLoop()
	if o.heartbeat > 0 {
		go b.heartbeatLoop()
	}
	return b, nil
}

func (b *Backend) ClientID() string { return b.clientID }

func (b *Backend) Config() docsync.Config { return b.cfg }

func (b *Backend) GetDocument(ctx context.Context, id string, content any) (*docsync.Snapshot, error) {
	reply, err := b.request(ctx, ws.ClientMessage{Type: ws.TypeGetDocument, DocID: id, Content: content})
	if err != nil {
		return nil, err
	}
	return &docsync.Snapshot{ID: reply.DocID, Version: reply.Version, Content: reply.Content}, nil
}

func (b *Backend) RemoveDocument(ctx context.Context, id string) error {
	_, err := b.request(ctx, ws.ClientMessage{Type: ws.TypeRemoveDocument, DocID: id})
	return err
}

func (b *Backend) UpdateDocument(ctx context.Context, u docsync.Update) error {
	_, err := b.request(ctx, ws.ClientMessage{Type: ws.TypeUpdateDocument, DocID: u.ID, Patch: u.Patch, Version: u.Version})
	return err
}

func (b *Backend) BindUpdateListener(l docsync.UpdateListener) {
	b.lmu.Lock()
	b.onUpdate = append(b.onUpdate, l)
	b.lmu.Unlock()
}

func (b *Backend) BindRemoveListener(l docsync.RemoveListener) {
	b.lmu.Lock()
	b.onRemove = append(b.onRemove, l)
	b.lmu.Unlock()
}

// Heartbeat 刷新在线状态，服务端不回复
func (b *Backend) Heartbeat(name string) error {
	return b.write(ws.ClientMessage{Type: ws.TypeHeartbeat, Name: name})
}

func (b *Backend) request(ctx context.Context, msg ws.ClientMessage) (ws.ServerMessage, error) {
	msg.RequestID = ulid.Make().String()
	ch := make(chan ws.ServerMessage, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ws.ServerMessage{}, ErrClosed
	}
	b.pending[msg.RequestID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.RequestID)
		b.mu.Unlock()
	}()

	if err := b.write(msg); err != nil {
		return ws.ServerMessage{}, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return ws.ServerMessage{}, ErrClosed
		}
		if reply.Type == ws.TypeError {
			text, _ := reply.Content.(string)
			return ws.ServerMessage{}, &RemoteError{Code: reply.Code, Message: text}
		}
		return reply, nil
	case <-ctx.Done():
		return ws.ServerMessage{}, ctx.Err()
	}
}

func (b *Backend) write(msg ws.ClientMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if err := b.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("wsbackend: write: %w", err)
	}
	return nil
}

func (b *Backend) readLoop() {
	defer b.shutdown()
	for {
		var msg ws.ServerMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			select {
			case <-b.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					glog.Warningf("[wsbackend] read: %v", err)
				}
			}
			return
		}
		switch msg.Type {
		case ws.TypeDocumentUpdated:
			b.lmu.RLock()
			listeners := append([]docsync.UpdateListener(nil), b.onUpdate...)
			b.lmu.RUnlock()
			u := docsync.Update{ID: msg.DocID, Patch: msg.Patch, Version: msg.Version}
			for _, l := range listeners {
				_ = l(u)
			}
		case ws.TypeDocumentRemoved:
			b.lmu.RLock()
			listeners := append([]docsync.RemoveListener(nil), b.onRemove...)
			b.lmu.RUnlock()
			for _, l := range listeners {
				l(msg.DocID)
			}
		case ws.TypePresence:
			if b.opt.onPresence != nil {
				b.opt.onPresence(msg.DocID, msg.Members)
			}
		default:
			if msg.RequestID == "" {
				glog.V(2).Infof("[wsbackend] unsolicited %s ignored", msg.Type)
				continue
			}
			b.mu.Lock()
			ch, ok := b.pending[msg.RequestID]
			b.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (b *Backend) heartbeatLoop() {
	t := time.NewTicker(b.opt.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := b.Heartbeat(b.opt.name); err != nil {
				return
			}
		case <-b.done:
			return
		}
	}
}

// shutdown 读循环退出时调用：失败所有未完成的请求
func (b *Backend) shutdown() {
	b.closeOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()
	_ = b.conn.Close()
	close(b.stopped)
}

// Close 发送关闭帧并断开，读循环随之退出
func (b *Backend) Close() error {
	b.writeMu.Lock()
	err := b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	b.writeMu.Unlock()
	b.closeOnce.Do(func() { close(b.done) })
	_ = b.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// Done 读循环退出、所有未完成请求失败之后关闭
func (b *Backend) Done() <-chan struct{} { return b.stopped }
