package job

import (
	"context"
	"errors"
	"time"

	"txnledger/internal/config"
	"txnledger/internal/infrastructure/lock"
	"txnledger/internal/infrastructure/metrics"
	"txnledger/internal/infrastructure/mq"
	"txnledger/internal/model"
	"txnledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxRelay 把 outbox 中 PENDING 的消息投递到 Kafka
//
// 多实例部署时通过 relayLock 选出一个实例投递，relayLock 为 nil 时每个实例都投递。
// 消息至少投递一次，消费方按 transaction_no 去重。
type OutboxRelay struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	relayLock  *lock.DistributedLock
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	log        *zap.Logger

	leader bool
}

func NewOutboxRelay(db *gorm.DB, publisher mq.Publisher, relayLock *lock.DistributedLock, cfg *config.Config, log *zap.Logger) *OutboxRelay {
	return &OutboxRelay{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		relayLock:  relayLock,
		maxRetry:   cfg.Business.MaxRetryCount,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
		log:        log.Named("outbox_relay"),
	}
}

func (r *OutboxRelay) Start(ctx context.Context) {
	r.log.Info("消息投递任务启动")
	defer r.resign()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("收到停止信号，任务退出")
			return
		case <-r.stopCh:
			r.log.Info("任务停止")
			return
		case <-ticker.C:
			if !r.elect(ctx) {
				continue
			}
			r.processPendingMessages(ctx)
		}
	}
}

func (r *OutboxRelay) Stop() {
	close(r.stopCh)
}

// elect 未持有锁时尝试抢锁，持有时续期
func (r *OutboxRelay) elect(ctx context.Context) bool {
	if r.relayLock == nil {
		return true
	}

	if r.leader {
		err := r.relayLock.Refresh(ctx)
		if err == nil {
			return true
		}
		if !errors.Is(err, lock.ErrLockNotHeld) {
			r.log.Warn("续期投递锁失败", zap.Error(err))
		}
		r.log.Info("失去投递锁")
		r.leader = false
	}

	ok, err := r.relayLock.TryLock(ctx)
	if err != nil {
		r.log.Warn("获取投递锁失败", zap.Error(err))
		return false
	}
	if ok {
		r.log.Info("获得投递锁")
		r.leader = true
	}
	return ok
}

func (r *OutboxRelay) resign() {
	if r.relayLock == nil || !r.leader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.relayLock.Unlock(ctx); err != nil {
		r.log.Warn("释放投递锁失败", zap.Error(err))
	}
	r.leader = false
}

// processPendingMessages 返回成功投递的消息数
func (r *OutboxRelay) processPendingMessages(ctx context.Context) int {
	messages, err := r.outboxRepo.GetPendingMessages(ctx, r.batchSize)
	if err != nil {
		r.log.Error("查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if r.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (r *OutboxRelay) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	log := r.log.With(zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))

	err := r.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		if updateErr := r.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.Error("更新消息状态失败", zap.Error(updateErr))
		} else {
			log.Debug("消息发送成功")
		}
		return true
	}

	log.Warn("消息发送失败", zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	// MarkAsFailed 同时累加重试次数
	if msg.RetryCount+1 >= r.maxRetry {
		metrics.OutboxPublished.WithLabelValues("failed").Inc()
		if err := r.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Error("标记消息失败状态失败", zap.Error(err))
		} else {
			log.Error("消息超过最大重试次数，标记为失败")
		}
		return false
	}

	metrics.OutboxPublished.WithLabelValues("retry").Inc()
	if err := r.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Error("增加重试次数失败", zap.Error(err))
	}
	return false
}
