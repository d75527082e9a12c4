package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 【注意】交易准入的串行化完全依赖数据库行锁，这里的锁只用于
// 多实例部署时保证同一时刻只有一个实例在投递 outbox 消息。
//
// 加锁：SET key value NX PX timeout
// 释放锁：Lua 脚本比较 value 后删除，避免误删其他持有者的锁
// ============================================================================

var ErrLockNotHeld = errors.New("锁已过期或被其他持有者占用")

const (
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁持有者标识
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Refresh 续期，只有持有者才能续期
func (l *DistributedLock) Refresh(ctx context.Context) error {
	res, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// NewRelayLock 创建 outbox 投递锁（全局唯一），value 为实例标识
func NewRelayLock(client *redis.Client, instanceID string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, "txn:outbox:relay", instanceID, expiration)
}
