package ws

import (
	"edin/backend/internal/cache"
	"edin/backend/internal/patch"
)

// 客户端 -> 服务端
const (
	TypeGetDocument    = "getDocument"
	TypeUpdateDocument = "updateDocument"
	TypeRemoveDocument = "removeDocument"
	TypeHeartbeat      = "heartbeat"
)

// 服务端 -> 客户端
const (
	TypeWelcome         = "welcome"
	TypeDocument        = "document"
	TypeAck             = "ack"
	TypeError           = "error"
	TypeDocumentUpdated = "documentUpdated"
	TypeDocumentRemoved = "documentRemoved"
	TypePresence        = "presence"
)

// error 消息里的 code
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeRejected   = "REJECTED"
	CodeConflict   = "CONFLICT"
	CodeBusy       = "BUSY"
	CodeInternal   = "INTERNAL"
)

type ClientMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	DocID     string      `json:"docId,omitempty"`
	Content   any         `json:"content,omitempty"` // getDocument：不存在时的初始内容
	Patch     patch.Patch `json:"patch,omitempty"`
	Version   uint64      `json:"version,omitempty"`
	Name      string      `json:"name,omitempty"` // heartbeat：显示名
}

// 握手时下发的批量参数
type WireConfig struct {
	BatchTimeMs  int64 `json:"batchTimeMs"`
	MaxBatchSize int   `json:"maxBatchSize"`
}

// ServerMessage 所有下行消息共用一个结构，按 Type 取字段。
// content 不加 omitempty：文档内容可能就是 0 / false / null
type ServerMessage struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"requestId,omitempty"`
	DocID     string                 `json:"docId,omitempty"`
	ClientID  string                 `json:"clientId,omitempty"`
	Version   uint64                 `json:"version"`
	Content   any                    `json:"content"`
	Patch     patch.Patch            `json:"patch,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Config    *WireConfig            `json:"config,omitempty"`
	Members   []cache.PresenceMember `json:"members,omitempty"`
}
