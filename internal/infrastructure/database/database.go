package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"txnledger/internal/config"
	"txnledger/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 按配置打开数据库连接并配置连接池
func Open(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Silent)
	if cfg.Database.LogMode {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
		dialector = sqlite.Open(cfg.Database.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		dialector = mysql.Open(cfg.MySQL.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置，每次尝试占用一个连接，提交或回滚后归还
	sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if cfg.Database.Driver == config.DriverSQLite {
		// SQLite 只有库级写锁，单连接让事务在连接池上排队
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	log.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver))
	return db, nil
}

// AutoMigrate 自动迁移表结构
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.TransactionRecord{},
		&model.UserLock{},
		&model.OutboxMessage{},
	)
	if err != nil {
		return fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return nil
}
