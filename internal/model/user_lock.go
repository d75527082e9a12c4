package model

import (
	"time"
)

// UserLock 用户维度的锁行
//
// 用户没有任何交易记录时，SUM ... FOR UPDATE 锁不住任何行，
// 两个首次请求会同时通过加锁步骤。每个用户预先插入一行，
// 每次尝试先对这一行加排他锁，从而把同一用户的请求串行化。
type UserLock struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (UserLock) TableName() string {
	return "user_locks"
}
