package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"edin/backend/internal/collab"
	"edin/backend/internal/docsync"
	"edin/backend/internal/patch"
)

const writeWait = 10 * time.Second

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	limiter  *rate.Limiter
	timeout  time.Duration
	clientID string

	mu   sync.Mutex
	name string
	docs map[string]struct{} // 已加入的房间

	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, sem *collab.SemaphoreControl, clientID string, opt ManagerOptions) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		sem:      sem,
		limiter:  rate.NewLimiter(opt.RateLimit, opt.Burst),
		timeout:  opt.RequestTimeout,
		clientID: clientID,
		docs:     make(map[string]struct{}),
		send:     make(chan ServerMessage, opt.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// enqueue 不阻塞，队列满或连接已关闭时返回 false
func (c *Conn) enqueue(msg ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) forget(docID string) {
	c.mu.Lock()
	delete(c.docs, docID)
	c.mu.Unlock()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) replyError(requestID, docID, code string, err error) {
	c.enqueue(ServerMessage{Type: TypeError, RequestID: requestID, DocID: docID, Code: code, Content: err.Error()})
}

// errorCode 引擎错误 -> 协议错误码
func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrDocumentNotFound):
		return CodeNotFound
	case errors.Is(err, patch.ErrRejected):
		return CodeRejected
	case errors.Is(err, collab.ErrVersionConflict):
		return CodeConflict
	case errors.Is(err, collab.ErrSemaphoreTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeBusy
	default:
		return CodeInternal
	}
}

func (c *Conn) handleGetDocument(ctx context.Context, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// 先进房间再取快照：之后的更新一定能收到，之前的都已包含在快照里
	c.hub.Join(msg.DocID, c)
	snap, err := c.svc.GetDocument(ctx, msg.DocID, msg.Content)
	if err != nil {
		c.hub.Leave(msg.DocID, c)
		c.replyError(msg.RequestID, msg.DocID, errorCode(err), err)
		return
	}
	c.mu.Lock()
	c.docs[msg.DocID] = struct{}{}
	c.mu.Unlock()
	c.enqueue(ServerMessage{Type: TypeDocument, RequestID: msg.RequestID, DocID: snap.ID, Version: snap.Version, Content: snap.Content})
	c.hub.Touch(ctx, msg.DocID, c)
}

func (c *Conn) handleUpdateDocument(ctx context.Context, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx); err != nil {
		c.replyError(msg.RequestID, msg.DocID, CodeBusy, err)
		return
	}
	defer c.sem.Release()

	applied, err := c.svc.Submit(ctx, docsync.Update{ID: msg.DocID, Patch: msg.Patch, Version: msg.Version}, c.clientID)
	if err != nil {
		c.replyError(msg.RequestID, msg.DocID, errorCode(err), err)
		return
	}
	c.enqueue(ServerMessage{Type: TypeAck, RequestID: msg.RequestID, DocID: msg.DocID, Version: applied.Version})
}

func (c *Conn) handleRemoveDocument(ctx context.Context, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// 删除不存在的文档也按成功处理
	if _, err := c.svc.RemoveDocument(ctx, msg.DocID); err != nil {
		c.replyError(msg.RequestID, msg.DocID, errorCode(err), err)
		return
	}
	c.forget(msg.DocID)
	c.enqueue(ServerMessage{Type: TypeAck, RequestID: msg.RequestID, DocID: msg.DocID})
}

func (c *Conn) handleHeartbeat(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	if msg.Name != "" {
		c.name = msg.Name
	}
	docs := make([]string, 0, len(c.docs))
	for docID := range c.docs {
		docs = append(docs, docID)
	}
	c.mu.Unlock()
	for _, docID := range docs {
		c.hub.Touch(ctx, docID, c)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.cleanup()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("[ws] read error (client=%s): %v", c.clientID, err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.replyError(msg.RequestID, msg.DocID, CodeBusy, errors.New("rate limit exceeded"))
			continue
		}
		if msg.Type != TypeHeartbeat && msg.DocID == "" {
			c.replyError(msg.RequestID, "", CodeBadRequest, errors.New("missing docId"))
			continue
		}

		switch msg.Type {
		case TypeGetDocument:
			c.handleGetDocument(ctx, msg)
		case TypeUpdateDocument:
			c.handleUpdateDocument(ctx, msg)
		case TypeRemoveDocument:
			c.handleRemoveDocument(ctx, msg)
		case TypeHeartbeat:
			c.handleHeartbeat(ctx, msg)
		default:
			c.replyError(msg.RequestID, msg.DocID, CodeBadRequest, errors.New("unknown message type "+msg.Type))
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				glog.Warningf("[ws] write error (client=%s): %v", c.clientID, err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) cleanup() {
	c.close()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	for _, docID := range c.hub.LeaveAll(c) {
		c.hub.Forget(ctx, docID, c)
	}
}
