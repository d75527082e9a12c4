package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"txnledger/internal/model"
	"txnledger/internal/repository"
)

var (
	errDuplicate = errors.New("duplicate entry for key request_id")
	errDiskFull  = errors.New("disk full")
)

const (
	stageLock   = "lock"
	stageInsert = "insert"
	stageCommit = "commit"
)

// fakeStore 内存实现的 repository.Store
//
// 每个用户一个容量为 1 的 channel 作为行锁，在事务结束时释放；
// 提交在 mu 下一次性完成，读者看到的总是已提交的状态。
type fakeStore struct {
	mu        sync.Mutex
	records   []model.TransactionRecord
	outbox    []model.OutboxMessage
	userLocks map[int64]chan struct{}
	failures  map[string][]error
	nextID    int64
	txCount   int

	// onLocked 在拿到用户锁之后调用，测试用来在持锁期间阻塞
	onLocked func(userID int64)
}

var _ repository.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		userLocks: make(map[int64]chan struct{}),
		failures:  make(map[string][]error),
	}
}

// failNext 让指定阶段接下来的调用依次返回 errs
func (s *fakeStore) failNext(stage string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[stage] = append(s.failures[stage], errs...)
}

func (s *fakeStore) popFailure(stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[stage]
	if len(queue) == 0 {
		return nil
	}
	s.failures[stage] = queue[1:]
	return queue[0]
}

func (s *fakeStore) total(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, r := range s.records {
		if r.UserID == userID {
			sum += r.Amount
		}
	}
	return sum
}

func (s *fakeStore) recordsOf(userID int64) []model.TransactionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TransactionRecord
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) outboxMessages() []model.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OutboxMessage(nil), s.outbox...)
}

func (s *fakeStore) transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

func (s *fakeStore) FindByRequestID(ctx context.Context, requestID string) (*model.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.RequestID != nil && *r.RequestID == requestID {
			record := r
			return &record, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) EnsureUserLock(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userLocks[userID]; !ok {
		s.userLocks[userID] = make(chan struct{}, 1)
	}
	return nil
}

func (s *fakeStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	s.txCount++
	s.mu.Unlock()

	tx := &fakeTx{store: s}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := s.popFailure(stageCommit); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range tx.records {
		s.nextID++
		r.ID = s.nextID
		r.CreatedAt = time.Now()
		s.records = append(s.records, *r)
	}
	for _, m := range tx.outbox {
		s.outbox = append(s.outbox, *m)
	}
	return nil
}

func (s *fakeStore) IsTransientContention(err error) bool {
	return errors.Is(err, errContention)
}

func (s *fakeStore) IsDuplicateKey(err error) bool {
	return errors.Is(err, errDuplicate)
}

type fakeTx struct {
	store   *fakeStore
	held    []chan struct{}
	records []*model.TransactionRecord
	outbox  []*model.OutboxMessage
}

func (t *fakeTx) release() {
	for _, l := range t.held {
		<-l
	}
}

func (t *fakeTx) LockUserTotal(ctx context.Context, userID int64) (int64, error) {
	t.store.mu.Lock()
	l, ok := t.store.userLocks[userID]
	t.store.mu.Unlock()
	if !ok {
		return 0, repository.ErrUserLockMissing
	}

	select {
	case l <- struct{}{}:
		t.held = append(t.held, l)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if err := t.store.popFailure(stageLock); err != nil {
		return 0, err
	}
	if t.store.onLocked != nil {
		t.store.onLocked(userID)
	}
	return t.store.total(userID), nil
}

func (t *fakeTx) Insert(ctx context.Context, record *model.TransactionRecord) error {
	if err := t.store.popFailure(stageInsert); err != nil {
		return err
	}
	if record.RequestID != nil {
		if existing, _ := t.store.FindByRequestID(ctx, *record.RequestID); existing != nil {
			return errDuplicate
		}
	}
	t.records = append(t.records, record)
	return nil
}

func (t *fakeTx) Enqueue(ctx context.Context, msg *model.OutboxMessage) error {
	t.outbox = append(t.outbox, msg)
	return nil
}
