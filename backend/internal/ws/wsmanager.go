package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"edin/backend/internal/collab"
	"edin/backend/internal/docsync"
)

type ManagerOptions struct {
	// Origin 前缀白名单，为空时使用本地开发环境的默认值
	AllowedOrigins []string
	RateLimit      rate.Limit // 每个连接每秒消息数
	Burst          int
	RequestTimeout time.Duration
	SendBuffer     int
}

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func (o *ManagerOptions) withDefaults() {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = defaultOrigins
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 200
	}
	if o.Burst <= 0 {
		o.Burst = 100
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

type Manager struct {
	h        *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	cfg      docsync.Config
	opt      ManagerOptions
	upgrader websocket.Upgrader
}

// cfg 是下发给客户端的批量参数
func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, cfg docsync.Config, opt ManagerOptions) *Manager {
	opt.withDefaults()
	m := &Manager{h: h, svc: svc, sem: sem, cfg: cfg, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 非浏览器客户端可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("[ws] upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, m.svc, m.sem, clientID, m.opt)
	m.h.register(wsConn)
	wsConn.enqueue(ServerMessage{
		Type:     TypeWelcome,
		ClientID: clientID,
		Config: &WireConfig{
			BatchTimeMs:  m.cfg.BatchTime.Milliseconds(),
			MaxBatchSize: m.cfg.MaxBatchSize,
		},
	})

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 读循环阻塞至连接关闭；请求的 ctx 在 hijack 之后不再可靠，用 Background
	wsConn.readLoop(context.Background())
}
