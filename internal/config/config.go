package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig WorkerID 是雪花算法的机器ID，多实例部署时每个实例必须不同
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`
	WorkerID int64  `mapstructure:"worker_id"`
}

// MaxWorkerID 与 idgen 的 10 位机器ID一致
const MaxWorkerID = 1023

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// DatabaseConfig 选择存储驱动，sqlite 仅用于本地开发
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	LogMode    bool   `mapstructure:"log_mode"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN 拼接 go-sql-driver 格式的连接串
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// RedisConfig Host 为空时不启用 Redis
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// KafkaConfig Brokers 为空时不投递事件，也不写 outbox
type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Admitted string `mapstructure:"admitted"`
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type BusinessConfig struct {
	Ceiling       int64 `mapstructure:"ceiling"`
	MinAmount     int64 `mapstructure:"min_amount"`
	MaxRetryCount int   `mapstructure:"max_retry_count"`
}

// RetryConfig 锁冲突重试策略，MaxAttempts 与 Deadline 同时为 0 表示无限重试
type RetryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Deadline    time.Duration `mapstructure:"deadline"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var (
	ErrInvalidCeiling   = errors.New("business.ceiling 必须大于 0")
	ErrInvalidMinAmount = errors.New("business.min_amount 必须在 [0, ceiling] 之间")
	ErrUnknownDriver    = errors.New("未知的 database.driver")
	ErrInvalidRetry     = errors.New("retry 配置不合法")
	ErrInvalidWorkerID  = fmt.Errorf("server.worker_id 必须在 0-%d 之间", MaxWorkerID)
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8888)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.sqlite_path", "data/txnledger.db")
	v.SetDefault("database.log_mode", false)

	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.database", "codetest")
	v.SetDefault("mysql.max_open_conns", 5)
	v.SetDefault("mysql.max_idle_conns", 5)

	v.SetDefault("kafka.topic.admitted", "transaction.admitted")

	v.SetDefault("business.ceiling", 1000)
	v.SetDefault("business.min_amount", 1)
	v.SetDefault("business.max_retry_count", 5)

	v.SetDefault("retry.interval", 50*time.Millisecond)
	v.SetDefault("retry.max_attempts", 20)
	v.SetDefault("retry.deadline", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig 加载配置文件，环境变量以 TXN_ 为前缀覆盖，例如 TXN_MYSQL_HOST
// configPath 为空时只使用默认值和环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TXN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验业务相关配置
func (c *Config) Validate() error {
	if c.Server.WorkerID < 0 || c.Server.WorkerID > MaxWorkerID {
		return ErrInvalidWorkerID
	}
	if c.Business.Ceiling <= 0 {
		return ErrInvalidCeiling
	}
	if c.Business.MinAmount < 0 || c.Business.MinAmount > c.Business.Ceiling {
		return ErrInvalidMinAmount
	}
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDriver, c.Database.Driver)
	}
	if c.Retry.Interval < 0 || c.Retry.MaxAttempts < 0 || c.Retry.Deadline < 0 {
		return ErrInvalidRetry
	}
	return nil
}
