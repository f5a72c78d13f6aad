package docsync

import (
	"strings"

	"edin/backend/internal/patch"
)

// Middleware 在入站补丁应用前调用，返回剩余需要原样应用的部分。
// 可以消费掉部分操作（例如自行做动画），版本号仍然推进到 u.Version。
type Middleware func(u Update, d *Document) Update

type DocOption func(d *Document)

func WithMiddleware(m Middleware) DocOption {
	return func(d *Document) { d.middleware = m }
}

// Chain 依次执行多个中间件
func Chain(ms ...Middleware) Middleware {
	return func(u Update, d *Document) Update {
		for _, m := range ms {
			if m == nil {
				continue
			}
			u = m(u, d)
		}
		return u
	}
}

// DropPaths 丢弃落在指定前缀下的操作（前缀本身也算）
func DropPaths(prefixes ...string) Middleware {
	return func(u Update, _ *Document) Update {
		kept := make(patch.Patch, 0, len(u.Patch))
		for _, op := range u.Patch {
			if !underAny(op.Path, prefixes) {
				kept = append(kept, op)
			}
		}
		u.Patch = kept
		return u
	}
}

func underAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
