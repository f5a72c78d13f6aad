package ws

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"edin/backend/internal/cache"
	"edin/backend/internal/collab"
)

// Hub 按文档维护房间，并把引擎的更新/删除推给房间内所有连接（包括提交者本身）
type Hub struct {
	// 可以为 nil（不记录在线状态）
	presence    cache.PresenceCache
	presenceTTL time.Duration

	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
	conns map[*Conn]struct{}
}

var _ collab.Observer = (*Hub)(nil)

func NewHub(p cache.PresenceCache, presenceTTL time.Duration) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 600 * time.Second
	}
	return &Hub{presence: p, presenceTTL: presenceTTL, rooms: make(map[string]map[*Conn]struct{}), conns: make(map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页，广播要逐连接发
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// LeaveAll 连接断开时调用，返回它所在的房间
func (h *Hub) LeaveAll(c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	var left []string
	for docID, conns := range h.rooms {
		if _, ok := conns[c]; !ok {
			continue
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
		left = append(left, docID)
	}
	return left
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// CloseAll 关闭所有连接，用于优雅退出
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) members(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) broadcast(docID string, msg ServerMessage) {
	for _, c := range h.members(docID) {
		if !c.enqueue(msg) {
			// 发送队列满了，断开让客户端重连后重新拉取
			glog.Warningf("[ws] client %s too slow, closing", c.clientID)
			c.close()
		}
	}
}

// DocumentUpdated 引擎在文档锁内按版本顺序回调，这里只入队
func (h *Hub) DocumentUpdated(u collab.AppliedUpdate) {
	h.broadcast(u.DocID, ServerMessage{
		Type:    TypeDocumentUpdated,
		DocID:   u.DocID,
		Version: u.Version,
		Patch:   u.Patch,
	})
}

func (h *Hub) DocumentRemoved(docID string) {
	h.broadcast(docID, ServerMessage{Type: TypeDocumentRemoved, DocID: docID})
	for _, c := range h.members(docID) {
		c.forget(docID)
	}
	h.mu.Lock()
	delete(h.rooms, docID)
	h.mu.Unlock()
}

// Touch 刷新连接在文档里的在线状态，并把最新成员列表推给房间
func (h *Hub) Touch(ctx context.Context, docID string, c *Conn) {
	if h.presence == nil {
		return
	}
	if err := h.presence.AddMember(ctx, docID, c.clientID, c.Name(), h.presenceTTL); err != nil {
		glog.Warningf("[ws] add member %s/%s: %v", docID, c.clientID, err)
		return
	}
	h.BroadcastPresence(ctx, docID)
}

// Forget 从在线状态里移除连接
func (h *Hub) Forget(ctx context.Context, docID string, c *Conn) {
	if h.presence == nil {
		return
	}
	if err := h.presence.RemoveMember(ctx, docID, c.clientID); err != nil {
		glog.Warningf("[ws] remove member %s/%s: %v", docID, c.clientID, err)
		return
	}
	h.BroadcastPresence(ctx, docID)
}

func (h *Hub) BroadcastPresence(ctx context.Context, docID string) {
	members, err := h.presence.GetAliveMembers(ctx, docID)
	if err != nil {
		glog.Warningf("[ws] get members %s: %v", docID, err)
		return
	}
	h.broadcast(docID, ServerMessage{Type: TypePresence, DocID: docID, Members: members})
}
