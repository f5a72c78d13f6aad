package docsync

import (
	"context"
	"time"

	"edin/backend/internal/patch"
)

// Backend 权威存储的能力接口，核心只依赖这个接口。
// 实现：collab.LocalBackend（进程内）、wsbackend.Backend（websocket），以及测试替身。
type Backend interface {
	// 取回或创建：不存在时以 content 创建，版本为 0
	GetDocument(ctx context.Context, id string, content any) (*Snapshot, error)
	RemoveDocument(ctx context.Context, id string) error
	// 补丁无法应用时返回 ErrRejected；版本号由后端分配
	UpdateDocument(ctx context.Context, u Update) error

	BindUpdateListener(l UpdateListener)
	BindRemoveListener(l RemoveListener)

	Config() Config
}

type UpdateListener func(u Update) error

type RemoveListener func(id string)

// Update 更新信封。入站时 Version 是后端应用之后的版本
type Update struct {
	ID      string      `json:"id"`
	Patch   patch.Patch `json:"patch"`
	Version uint64      `json:"version"`
}

type Snapshot struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
	Content any    `json:"content"`
}

// Config 批量发送参数，零值表示不开启
type Config struct {
	BatchTime    time.Duration `json:"batchTime"`
	MaxBatchSize int           `json:"maxBatchSize"`
}
