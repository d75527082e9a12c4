package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txnledger/internal/config"

	"github.com/cenkalti/backoff/v4"
)

var ErrRetryExhausted = errors.New("锁冲突重试已用尽")

// RetryPolicy 锁冲突（锁等待超时、死锁）的重试策略
//
// 固定间隔重试。MaxAttempts 限制总尝试次数，Deadline 限制整个 Submit 的耗时，
// 两者都为 0 时无限重试，只能通过配置显式开启。
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	Deadline    time.Duration
}

func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Interval:    cfg.Interval,
		MaxAttempts: cfg.MaxAttempts,
		Deadline:    cfg.Deadline,
	}
}

func (p RetryPolicy) Unbounded() bool {
	return p.MaxAttempts == 0 && p.Deadline == 0
}

// Run 执行 op 直到成功、遇到非 transient 错误或重试用尽
//
// op 的 attempt 从 1 开始。notify 在每次等待重试之前调用。
// 重试用尽时返回的错误同时包装 ErrRetryExhausted 和最后一次冲突错误。
func (p RetryPolicy) Run(
	ctx context.Context,
	op func(ctx context.Context, attempt int) error,
	transient func(error) bool,
	notify func(err error, attempt int, wait time.Duration),
) (int, error) {
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var lastContention error

	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		lastContention = err
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempt, wait)
		}
	})

	switch {
	case err == nil:
		return attempt, nil
	case transient(err):
		return attempt, fmt.Errorf("%w（共尝试 %d 次）: %w", ErrRetryExhausted, attempt, err)
	case lastContention != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return attempt, fmt.Errorf("%w（共尝试 %d 次）: %w", ErrRetryExhausted, attempt, errors.Join(err, lastContention))
	default:
		return attempt, err
	}
}
