package model

import (
	"time"
)

// TransactionRecord 交易记录表
//
// 【重要】记录只追加，不修改，不删除：
// 同一用户所有记录的 amount 之和始终落在 [0, ceiling] 区间内
type TransactionRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"index;not null" json:"user_id"`                               // 用户ID，不唯一
	Amount        int64     `gorm:"not null" json:"amount"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	RequestID     *string   `gorm:"type:varchar(64);uniqueIndex" json:"request_id,omitempty"` // 幂等ID，可为空
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TransactionRecord) TableName() string {
	return "transactions"
}
