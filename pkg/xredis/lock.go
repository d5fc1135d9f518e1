package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有者才能续期 / 释放，避免误删别人的锁
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLock 基于 SETNX 的租约锁，owner 为当前进程的唯一 ID
type RedisLock struct {
	rdb *redis.Client
	id  string
}

func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{
		rdb: rdb,
		id:  fmt.Sprintf("%s-%d", uuid.NewString(), time.Now().UnixNano()),
	}
}

// Owner 当前节点 ID
func (r *RedisLock) Owner() string { return r.id }

// TryLock 抢锁；锁已是自己的则续期并返回 true
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, r.id, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return r.Refresh(ctx, key, ttl)
}

// Refresh 续期，锁不属于自己时返回 false
func (r *RedisLock) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.rdb, []string{key}, r.id, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Unlock 只释放自己的锁
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.rdb, []string{key}, r.id).Err()
}
