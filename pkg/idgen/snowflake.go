package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// 交易流水号需要全局唯一且趋势递增，多实例部署时通过 workerID 区分
// ============================================================================

const (
	epoch          = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

var ErrInvalidWorkerID = fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
	now       func() int64
}

var (
	defaultGenerator *Snowflake
	initOnce         sync.Once
	initErr          error
)

// New 创建生成器
func New(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Snowflake{
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Init 初始化默认ID生成器，只有第一次调用生效
func Init(workerID int64) error {
	initOnce.Do(func() {
		defaultGenerator, initErr = New(workerID)
	})
	return initErr
}

// NextID 使用默认生成器生成ID，未初始化时使用 workerID = 1
func NextID() int64 {
	if err := Init(1); err != nil || defaultGenerator == nil {
		panic(errors.Join(errors.New("idgen 未正确初始化"), err))
	}
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = s.now()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// GenerateTransactionNo 使用默认生成器生成交易流水号
// 格式：TXN + 年月日时分秒 + 19位雪花ID，例如 TXN202401151430520000123456789012345
func GenerateTransactionNo() string {
	return formatNo("TXN", NextID())
}

// GenerateTransactionNo 完整保留雪花ID，不同 workerID 的实例不会生成相同流水号
func (s *Snowflake) GenerateTransactionNo() string {
	return formatNo("TXN", s.Generate())
}

func formatNo(prefix string, id int64) string {
	return fmt.Sprintf("%s%s%019d", prefix, time.Now().Format("20060102150405"), id)
}
