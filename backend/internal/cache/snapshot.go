package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"edin/backend/internal/collab"
	"edin/backend/internal/docsync"
)

type SnapshotCacheOptions struct {
	L1Size  int           // 进程内 LRU 容量，默认 1024
	BaseTTL time.Duration // 默认 BaseTTL
	Jitter  time.Duration // 默认 Jitter
	NullTTL time.Duration // 默认 NullTTL
}

// SnapshotCache 两级缓存：进程内 LRU + Redis。
// L1 里存的是 JSON 字节，每次命中都解码出新的值，调用方可以随意修改。
type SnapshotCache struct {
	rdb redis.UniversalClient
	l1  *lru.Cache[string, []byte]
	sf  singleflight.Group

	baseTTL time.Duration
	jitter  time.Duration
	nullTTL time.Duration
}

var _ collab.SnapshotCache = (*SnapshotCache)(nil)

func NewSnapshotCache(rdb redis.UniversalClient, opt SnapshotCacheOptions) (*SnapshotCache, error) {
	if opt.L1Size <= 0 {
		opt.L1Size = 1024
	}
	if opt.BaseTTL <= 0 {
		opt.BaseTTL = BaseTTL
	}
	if opt.Jitter < 0 {
		opt.Jitter = 0
	} else if opt.Jitter == 0 {
		opt.Jitter = Jitter
	}
	if opt.NullTTL <= 0 {
		opt.NullTTL = NullTTL
	}
	l1, err := lru.New[string, []byte](opt.L1Size)
	if err != nil {
		return nil, err
	}
	return &SnapshotCache{
		rdb:     rdb,
		l1:      l1,
		baseTTL: opt.BaseTTL,
		jitter:  opt.Jitter,
		nullTTL: opt.NullTTL,
	}, nil
}

// GetOrLoad 先查 L1，再查 Redis，都未命中时回源。
// 同一文档的并发回源由 singleflight 合并；回源结果为 nil 时写空值标记，防止缓存穿透。
func (c *SnapshotCache) GetOrLoad(ctx context.Context, docID string, load func(ctx context.Context) (*docsync.Snapshot, error)) (*docsync.Snapshot, error) {
	if raw, ok := c.l1.Get(docID); ok {
		return decodeSnapshot(raw)
	}

	v, err, _ := c.sf.Do(docID, func() (interface{}, error) {
		raw, hit, err := c.readCache(ctx, docID)
		if err != nil {
			// Redis 不可用时直接回源
			glog.Warningf("[cache] read snapshot %s: %v", docID, err)
		}
		if hit {
			if raw != nil {
				c.l1.Add(docID, raw)
			}
			return raw, nil
		}

		snap, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			if err := c.rdb.Set(ctx, snapshotKey(docID), EmptyCacheMarker, c.nullTTL).Err(); err != nil {
				glog.Warningf("[cache] write null marker %s: %v", docID, err)
			}
			return []byte(nil), nil
		}
		raw, err = json.Marshal(snap)
		if err != nil {
			return nil, err
		}
		c.l1.Add(docID, raw)
		if err := c.writeCache(ctx, docID, raw); err != nil {
			glog.Warningf("[cache] write snapshot %s: %v", docID, err)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	// 使用断言确保不会panic
	raw, ok := v.([]byte)
	if !ok {
		return nil, errors.New("internal type error")
	}
	if raw == nil {
		return nil, nil
	}
	return decodeSnapshot(raw)
}

func (c *SnapshotCache) Set(ctx context.Context, snap docsync.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	c.l1.Add(snap.ID, raw)
	return c.writeCache(ctx, snap.ID, raw)
}

func (c *SnapshotCache) Invalidate(ctx context.Context, docID string) error {
	c.l1.Remove(docID)
	return c.rdb.Del(ctx, snapshotKey(docID)).Err()
}

// readCache 返回 (raw, hit, err)；命中空值标记时 raw 为 nil、hit 为 true
func (c *SnapshotCache) readCache(ctx context.Context, docID string) ([]byte, bool, error) {
	res, err := c.rdb.Get(ctx, snapshotKey(docID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if string(res) == EmptyCacheMarker {
		return nil, true, nil
	}
	return res, true, nil
}

func (c *SnapshotCache) writeCache(ctx context.Context, docID string, raw []byte) error {
	return c.rdb.Set(ctx, snapshotKey(docID), raw, randomTTL(c.baseTTL, c.jitter)).Err()
}

func decodeSnapshot(raw []byte) (*docsync.Snapshot, error) {
	var snap docsync.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &snap, nil
}
