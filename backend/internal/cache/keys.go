package cache

import "fmt"

// 键语义：
// - snapshotKey(docID):  文档快照 JSON（String），空值标记为 -1
// - roomKey(docID):      房间在线成员（ZSet<clientId, expireAtUnix>，score=expireAt）
// - namesKey(docID):     房间内 clientId→显示名（Hash）
// - docsKey():           有在线成员的文档索引（Set<docID>）
//
// {} 内是 cluster 的 hash tag，同一文档的键落在同一个 slot，Lua 脚本才能同时操作

const (
	keySnapshotFmt = "doc:snapshot:{docID:%s}"
	keyRoomFmt     = "presence:room:{docID:%s}"
	keyNamesFmt    = "presence:room:names:{docID:%s}"
	keyDocsSet     = "presence:docs"
)

func snapshotKey(docID string) string { return fmt.Sprintf(keySnapshotFmt, docID) }
func roomKey(docID string) string     { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string    { return fmt.Sprintf(keyNamesFmt, docID) }
func docsKey() string                 { return keyDocsSet }
