package service

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"txnledger/internal/config"
	"txnledger/internal/infrastructure/database"
	"txnledger/internal/model"
	"txnledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newSQLiteService(t *testing.T) (*TransactionService, *gorm.DB) {
	t.Helper()

	cfg := testConfig()
	cfg.Database = config.DatabaseConfig{
		Driver:     config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "ledger.db"),
	}
	cfg.MySQL.MaxOpenConns = 5
	cfg.MySQL.MaxIdleConns = 5
	cfg.Retry.Deadline = 30 * time.Second

	log := zaptest.NewLogger(t)
	db, err := database.Open(cfg, log)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return NewTransactionService(repository.NewTransactionRepository(db), cfg, log), db
}

func sqliteTotal(t *testing.T, db *gorm.DB, userID int64) int64 {
	t.Helper()
	var total int64
	require.NoError(t, db.Model(&model.TransactionRecord{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Row().Scan(&total))
	return total
}

func TestSubmitConcurrentFirstRequestsOnSQLite(t *testing.T) {
	svc, db := newSQLiteService(t)

	const (
		users     = 3
		perUser   = 40
		amount    = 30
		admitting = testCeiling / amount
	)

	var wg sync.WaitGroup
	admitted := make([]atomic.Int32, users+1)
	for u := int64(1); u <= users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(userID int64) {
				defer wg.Done()
				d, err := svc.Submit(context.Background(), &TransactionRequest{UserID: userID, Amount: amount, Description: "concurrent"})
				if assert.NoError(t, err) && d.Admitted() {
					admitted[userID].Add(1)
				}
			}(u)
		}
	}
	wg.Wait()

	for u := int64(1); u <= users; u++ {
		assert.Equal(t, int32(admitting), admitted[u].Load(), "user %d", u)
		assert.Equal(t, int64(admitting*amount), sqliteTotal(t, db, u), "user %d", u)

		var locks int64
		require.NoError(t, db.Model(&model.UserLock{}).Where("user_id = ?", u).Count(&locks).Error)
		assert.Equal(t, int64(1), locks)
	}
}

func TestSubmitAdmitRejectAdmitOnSQLite(t *testing.T) {
	svc, db := newSQLiteService(t)
	ctx := context.Background()

	d, err := svc.Submit(ctx, &TransactionRequest{UserID: 1, Amount: testCeiling, Description: "fill"})
	require.NoError(t, err)
	assert.True(t, d.Admitted())

	d, err = svc.Submit(ctx, &TransactionRequest{UserID: 1, Amount: 1, Description: "over"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, d.Status)
	assert.Equal(t, int64(testCeiling), d.CurrentTotal)

	d, err = svc.Submit(ctx, &TransactionRequest{UserID: 1, Amount: 0, Description: "zero"})
	require.NoError(t, err)
	assert.True(t, d.Admitted())

	assert.Equal(t, int64(testCeiling), sqliteTotal(t, db, 1))
}
