package cache

import (
	"math/rand"
	"time"
)

const (
	BaseTTL          = 24 * time.Hour   // 基础过期时间
	Jitter           = 60 * time.Minute // 随机抖动范围
	NullTTL          = 5 * time.Minute  // 空值缓存的过期时间
	EmptyCacheMarker = "-1"             // 空值标记
)

// 获取随机TTL，防止缓存雪崩
func randomTTL(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)))
}
