package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"txnledger/internal/config"
	"txnledger/internal/infrastructure/metrics"
	"txnledger/internal/model"
	"txnledger/internal/repository"
	"txnledger/pkg/idgen"

	"go.uber.org/zap"
)

// errRejected 仅用于触发事务回滚，不会返回给调用方
var errRejected = errors.New("超出累计上限，回滚")

type Status string

const (
	StatusAdmitted Status = "ADMITTED"
	StatusRejected Status = "REJECTED"
)

type RejectReason string

const (
	ReasonOverCeiling    RejectReason = "OVER_CEILING"
	ReasonRequestIDReuse RejectReason = "REQUEST_ID_REUSED"
)

// TransactionRequest 已经过入口层校验的请求
type TransactionRequest struct {
	UserID      int64
	Amount      int64
	Description string
	RequestID   string // 可选幂等ID
}

// Decision 准入结果
//
// 准入：Record 为已提交的记录，CurrentTotal/NewTotal 为写入前后的累计金额。
// 幂等重放：Replayed 为 true，不再报告累计金额。
// 拒绝：CurrentTotal 为决策时的累计金额，没有写入任何数据。
type Decision struct {
	Status       Status
	Reason       RejectReason
	Record       *model.TransactionRecord
	CurrentTotal int64
	NewTotal     int64
	Attempts     int
	Replayed     bool
}

func (d *Decision) Admitted() bool {
	return d.Status == StatusAdmitted
}

// FatalError 不可重试的存储错误，事务已回滚
type FatalError struct {
	UserID   int64
	Attempts int
	Cause    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("处理交易失败 user_id=%d attempts=%d: %v", e.UserID, e.Attempts, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

type TransactionService struct {
	store   repository.Store
	retry   RetryPolicy
	ceiling int64
	topic   string // 为空时不写 outbox
	log     *zap.Logger
}

func NewTransactionService(store repository.Store, cfg *config.Config, log *zap.Logger) *TransactionService {
	s := &TransactionService{
		store:   store,
		retry:   NewRetryPolicy(cfg.Retry),
		ceiling: cfg.Business.Ceiling,
		log:     log.Named("transaction"),
	}
	if cfg.Kafka.Enabled() {
		s.topic = cfg.Kafka.Topic.Admitted
	}
	if s.retry.Unbounded() {
		s.log.Warn("锁冲突重试未设置上限，请求可能无限期阻塞")
	}
	return s
}

// Submit 记录一笔交易，保证同一用户的累计金额始终在 [0, ceiling] 之间
//
// 【流程】每次尝试：
// 1. 开启事务
// 2. 锁定用户锁行，求和得到当前累计金额
// 3. newTotal = currentTotal + amount
// 4. 0 <= newTotal <= ceiling 时写入记录并提交，否则回滚并拒绝
//
// 锁等待超时和死锁回滚后按 RetryPolicy 重试，其余错误立即以 *FatalError 返回。
func (s *TransactionService) Submit(ctx context.Context, req *TransactionRequest) (*Decision, error) {
	start := time.Now()
	defer func() {
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	}()

	log := s.log.With(zap.Int64("user_id", req.UserID), zap.Int64("amount", req.Amount))

	if req.RequestID != "" {
		decision, err := s.replay(ctx, req)
		if err != nil {
			return nil, s.fatal(log, req, 0, fmt.Errorf("查询幂等记录失败: %w", err))
		}
		if decision != nil {
			return s.finish(log, decision), nil
		}
	}

	var decision *Decision
	attempts, err := s.retry.Run(ctx,
		func(ctx context.Context, attempt int) error {
			d, err := s.attempt(ctx, req)
			if err != nil {
				return err
			}
			decision = d
			return nil
		},
		s.store.IsTransientContention,
		func(err error, attempt int, wait time.Duration) {
			metrics.ContentionRetries.Inc()
			log.Warn("锁冲突，事务已回滚，等待重试",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		// 相同幂等ID的并发请求已经先提交
		if req.RequestID != "" && s.store.IsDuplicateKey(err) {
			decision, rerr := s.replay(ctx, req)
			if rerr == nil && decision != nil {
				decision.Attempts = attempts
				return s.finish(log, decision), nil
			}
		}
		return nil, s.fatal(log, req, attempts, err)
	}

	decision.Attempts = attempts
	return s.finish(log, decision), nil
}

func (s *TransactionService) attempt(ctx context.Context, req *TransactionRequest) (*Decision, error) {
	if err := s.store.EnsureUserLock(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("创建用户锁行失败: %w", err)
	}

	var decision *Decision
	err := s.store.WithinTx(ctx, func(tx repository.Tx) error {
		total, err := tx.LockUserTotal(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("锁定用户累计金额失败: %w", err)
		}

		newTotal := total + req.Amount
		if !s.admits(newTotal) {
			decision = &Decision{Status: StatusRejected, Reason: ReasonOverCeiling, CurrentTotal: total}
			return errRejected
		}

		record := &model.TransactionRecord{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        req.UserID,
			Amount:        req.Amount,
			Description:   req.Description,
		}
		if req.RequestID != "" {
			requestID := req.RequestID
			record.RequestID = &requestID
		}
		if err := tx.Insert(ctx, record); err != nil {
			return fmt.Errorf("写入交易记录失败: %w", err)
		}

		if s.topic != "" {
			if err := tx.Enqueue(ctx, s.admittedMessage(record, newTotal)); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
		}

		decision = &Decision{Status: StatusAdmitted, Record: record, CurrentTotal: total, NewTotal: newTotal}
		return nil
	})
	if errors.Is(err, errRejected) {
		return decision, nil
	}
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// admits 边界包含：newTotal == ceiling 时准入
func (s *TransactionService) admits(newTotal int64) bool {
	return newTotal >= 0 && newTotal <= s.ceiling
}

// replay 幂等ID已存在时直接返回之前的结果，不存在时返回 nil, nil
func (s *TransactionService) replay(ctx context.Context, req *TransactionRequest) (*Decision, error) {
	existing, err := s.store.FindByRequestID(ctx, req.RequestID)
	if err != nil || existing == nil {
		return nil, err
	}

	if existing.UserID != req.UserID || existing.Amount != req.Amount || existing.Description != req.Description {
		return &Decision{Status: StatusRejected, Reason: ReasonRequestIDReuse}, nil
	}
	return &Decision{Status: StatusAdmitted, Record: existing, Replayed: true}, nil
}

func (s *TransactionService) admittedMessage(record *model.TransactionRecord, newTotal int64) *model.OutboxMessage {
	event := model.AdmittedEvent{
		TransactionNo: record.TransactionNo,
		UserID:        record.UserID,
		Amount:        record.Amount,
		Description:   record.Description,
		NewTotal:      newTotal,
		CreatedAt:     time.Now(),
	}
	payload, _ := json.Marshal(event)

	return &model.OutboxMessage{
		MessageKey: record.TransactionNo,
		Topic:      s.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
}

func (s *TransactionService) finish(log *zap.Logger, d *Decision) *Decision {
	switch {
	case d.Replayed:
		metrics.AdmissionDecisions.WithLabelValues(metrics.OutcomeReplayed).Inc()
		log.Info("幂等重放", zap.String("transaction_no", d.Record.TransactionNo))
	case d.Admitted():
		metrics.AdmissionDecisions.WithLabelValues(metrics.OutcomeAdmitted).Inc()
		log.Info("交易已记录",
			zap.String("transaction_no", d.Record.TransactionNo),
			zap.Int64("new_total", d.NewTotal),
			zap.Int("attempts", d.Attempts),
		)
	default:
		metrics.AdmissionDecisions.WithLabelValues(metrics.OutcomeRejected).Inc()
		log.Info("交易被拒绝",
			zap.String("reason", string(d.Reason)),
			zap.Int64("current_total", d.CurrentTotal),
		)
	}
	return d
}

func (s *TransactionService) fatal(log *zap.Logger, req *TransactionRequest, attempts int, err error) error {
	metrics.AdmissionDecisions.WithLabelValues(metrics.OutcomeFatal).Inc()
	log.Error("交易处理失败", zap.Int("attempts", attempts), zap.Error(err))
	return &FatalError{UserID: req.UserID, Attempts: attempts, Cause: err}
}
