package logger

import (
	"fmt"

	"txnledger/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 根据配置创建 zap 日志，format 支持 json / console
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("解析日志级别失败: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "time"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("创建日志失败: %w", err)
	}
	return log, nil
}
