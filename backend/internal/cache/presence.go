package cache

import (
	"context"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, docID, clientID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, clientID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 刷新TTL也直接调用AddMember即可
func (p *redisPresence) AddMember(ctx context.Context, docID, clientID, name string, ttl time.Duration) error {
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: clientID})
	tx.HSet(ctx, namesKey(docID), clientID, name)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// docs 索引与房间键不在同一个 slot，单独写
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, clientID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), clientID)
	tx.HDel(ctx, namesKey(docID), clientID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(docs)
	return docs, nil
}

// KEYS[1] = roomKey(docID), KEYS[2] = namesKey(docID), ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	_, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		// 房间空了，从索引里摘掉
		if err := p.rdb.SRem(ctx, docsKey(), docID).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{ClientID: aliveIDs[i], Name: name})
	}
	return members, nil
}
