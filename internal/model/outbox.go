package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 与交易记录在同一事务中写入，由 job.OutboxRelay 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// AdmittedEvent 交易准入成功后投递的事件内容
type AdmittedEvent struct {
	TransactionNo string    `json:"transaction_no"`
	UserID        int64     `json:"user_id"`
	Amount        int64     `json:"amount"`
	Description   string    `json:"description"`
	NewTotal      int64     `json:"new_total"`
	CreatedAt     time.Time `json:"created_at"`
}
