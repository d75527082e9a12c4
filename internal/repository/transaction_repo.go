package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"txnledger/internal/infrastructure/database"
	"txnledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUserLockMissing = errors.New("用户锁行不存在")

// lockingTxOptions InnoDB 默认的 REPEATABLE READ 下，按 user_id 二级索引的加锁读会带上间隙锁，
// 相邻 user_id 的插入会互相阻塞甚至死锁。READ COMMITTED 下只锁命中的记录，
// 同一用户的串行化由 user_locks 行保证。
var lockingTxOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// Store 交易核心依赖的存储能力
//
// 每次尝试通过 WithinTx 打开一个事务，fn 返回错误时事务回滚。
// 重试决策只依赖 IsTransientContention，不依赖具体数据库的错误码。
type Store interface {
	FindByRequestID(ctx context.Context, requestID string) (*model.TransactionRecord, error)
	EnsureUserLock(ctx context.Context, userID int64) error
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	IsTransientContention(err error) bool
	IsDuplicateKey(err error) bool
}

// Tx 单个事务内可用的操作
type Tx interface {
	// LockUserTotal 对用户锁行加排他锁，并返回该用户当前累计金额
	LockUserTotal(ctx context.Context, userID int64) (int64, error)
	Insert(ctx context.Context, record *model.TransactionRecord) error
	Enqueue(ctx context.Context, msg *model.OutboxMessage) error
}

type TransactionRepository struct {
	db         *gorm.DB
	outboxRepo *OutboxRepository
}

var _ Store = (*TransactionRepository)(nil)

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{
		db:         db,
		outboxRepo: NewOutboxRepository(db),
	}
}

// FindByRequestID 按幂等ID查询，不存在时返回 nil, nil
func (r *TransactionRepository) FindByRequestID(ctx context.Context, requestID string) (*model.TransactionRecord, error) {
	var record model.TransactionRecord
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// EnsureUserLock 懒创建用户锁行，已存在时什么也不做
func (r *TransactionRepository) EnsureUserLock(ctx context.Context, userID int64) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.UserLock{UserID: userID}).Error
}

func (r *TransactionRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, outboxRepo: r.outboxRepo})
	}, lockingTxOptions)
}

func (r *TransactionRepository) IsTransientContention(err error) bool {
	return database.IsTransientContention(err)
}

func (r *TransactionRepository) IsDuplicateKey(err error) bool {
	return database.IsDuplicateKey(err)
}

type gormTx struct {
	db         *gorm.DB
	outboxRepo *OutboxRepository
}

// LockUserTotal
//
// SELECT * FROM user_locks WHERE user_id = ? FOR UPDATE
// SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = ? FOR UPDATE
//
// 第一条语句是串行化点：即使用户还没有任何交易记录也能锁住
func (t *gormTx) LockUserTotal(ctx context.Context, userID int64) (int64, error) {
	var lock model.UserLock
	err := lockRowQuery(t.db.WithContext(ctx), userID).Take(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: user_id=%d", ErrUserLockMissing, userID)
		}
		return 0, err
	}

	var total int64
	if err := userTotalQuery(t.db.WithContext(ctx), userID).Row().Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func lockRowQuery(db *gorm.DB, userID int64) *gorm.DB {
	return db.Model(&model.UserLock{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID)
}

func userTotalQuery(db *gorm.DB, userID int64) *gorm.DB {
	return db.Model(&model.TransactionRecord{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) Insert(ctx context.Context, record *model.TransactionRecord) error {
	return t.db.WithContext(ctx).Create(record).Error
}

func (t *gormTx) Enqueue(ctx context.Context, msg *model.OutboxMessage) error {
	return t.outboxRepo.Create(ctx, t.db, msg)
}
