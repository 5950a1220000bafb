// 文件: pkg/config/config.go
// 进程配置
//
// YAML 文件覆盖默认值，环境变量再覆盖文件:
//   CLOB_MYSQL_DSN, CLOB_REDIS_ADDR, CLOB_NATS_URL, CLOB_KAFKA_BROKERS (逗号分隔)

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clob.com/pkg/avlq"
	"clob.com/pkg/events"
	"clob.com/pkg/fee"
	"clob.com/pkg/kafka"
	"clob.com/pkg/market"
	"clob.com/pkg/mtrade"
	"clob.com/pkg/nats"
)

var ErrInvalidConfig = errors.New("config: invalid")

// MarketConfig 单个市场
type MarketConfig struct {
	ID              uint64 `yaml:"id"`
	Symbol          string `yaml:"symbol"`
	LotSize         uint64 `yaml:"lot_size"`
	TickSize        uint64 `yaml:"tick_size"`
	MinSize         uint64 `yaml:"min_size"`
	CriticalHeight  uint8  `yaml:"critical_height"`
	TakerFeeDivisor uint64 `yaml:"taker_fee_divisor"`
}

// WALConfig 命令日志
type WALConfig struct {
	Dir       string `yaml:"dir"` // 为空不启用 (重启后 seq 从 1 重新开始)
	SyncMode  string `yaml:"sync_mode"`
	BatchSize int    `yaml:"batch_size"`
}

// KafkaConfig Kafka
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"` // 为空不启用
	GroupID      string        `yaml:"group_id"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// MySQLConfig 订单历史库
type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

// Config 根配置
type Config struct {
	NodeID int64        `yaml:"node_id"` // 雪花算法节点
	Market MarketConfig `yaml:"market"`
	WAL    WALConfig    `yaml:"wal"`

	Outbox events.OutboxConfig `yaml:"outbox"`
	Relay  events.RelayConfig  `yaml:"relay"`

	Kafka   KafkaConfig         `yaml:"kafka"`
	NATS    nats.Config         `yaml:"nats"`  // URL 为空不启用
	Redis   market.CacheConfig  `yaml:"redis"` // Addr 为空不启用
	Candles market.RollerConfig `yaml:"candles"`
	MySQL   MySQLConfig         `yaml:"mysql"` // DSN 为空不启用
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{
		NodeID: 1,
		Market: MarketConfig{
			ID:              1,
			Symbol:          "BTC_USDT",
			LotSize:         1,
			TickSize:        1,
			MinSize:         1,
			CriticalHeight:  avlq.MaxCriticalHeight,
			TakerFeeDivisor: fee.DefaultSchedule().TakerFeeDivisor,
		},
		WAL: WALConfig{
			Dir:       "./data/wal",
			SyncMode:  "batch",
			BatchSize: 64,
		},
		Outbox:  events.DefaultOutboxConfig("./data/outbox"),
		Relay:   events.DefaultRelayConfig(),
		NATS:    nats.DefaultConfig(""),
		Redis:   market.DefaultCacheConfig(""),
		Candles: market.DefaultRollerConfig(),
	}
	cfg.Kafka.GroupID = "clob-history"
	cfg.Kafka.RequiredAcks = -1
	cfg.Kafka.Compression = "snappy"
	cfg.Kafka.RetryBackoff = time.Second
	return cfg
}

// Load 读取配置文件，path 为空只用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CLOB_MYSQL_DSN"); v != "" {
		c.MySQL.DSN = v
	}
	if v := os.Getenv("CLOB_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CLOB_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("CLOB_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

// Validate 校验
func (c *Config) Validate() error {
	if _, err := c.syncMode(); err != nil {
		return err
	}
	if _, err := fee.NewSchedule(c.Market.TakerFeeDivisor); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.MarketParams().Validate(); err != nil {
		return fmt.Errorf("%w: market %d: %w", ErrInvalidConfig, c.Market.ID, err)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("%w: node_id %d out of [0, 1023]", ErrInvalidConfig, c.NodeID)
	}
	return nil
}

func (c *Config) syncMode() (mtrade.SyncMode, error) {
	switch c.WAL.SyncMode {
	case "always":
		return mtrade.SyncModeAlways, nil
	case "", "batch":
		return mtrade.SyncModeBatch, nil
	case "async":
		return mtrade.SyncModeAsync, nil
	}
	return 0, fmt.Errorf("%w: wal sync_mode %q", ErrInvalidConfig, c.WAL.SyncMode)
}

// =============================================================================
// 转换成各组件配置
// =============================================================================

// MarketParams 市场参数
func (c *Config) MarketParams() mtrade.MarketParams {
	p := mtrade.DefaultMarketParams(c.Market.ID, c.Market.Symbol)
	p.LotSize = c.Market.LotSize
	p.TickSize = c.Market.TickSize
	p.MinSize = c.Market.MinSize
	p.CriticalHeight = c.Market.CriticalHeight
	p.Fee = fee.Schedule{TakerFeeDivisor: c.Market.TakerFeeDivisor}
	return p
}

// EngineConfig 撮合引擎配置
func (c *Config) EngineConfig() mtrade.EngineConfig {
	ec := mtrade.DefaultEngineConfig(c.Market.ID, c.Market.Symbol)
	ec.Market = c.MarketParams()
	mode, _ := c.syncMode()
	ec.WAL = mtrade.WALConfig{Dir: c.WAL.Dir, SyncMode: mode, BatchSize: c.WAL.BatchSize}
	return ec
}

// ProducerConfig Kafka 生产者配置
func (c *Config) ProducerConfig() kafka.ProducerConfig {
	pc := kafka.DefaultProducerConfig(c.Kafka.Brokers)
	pc.RequiredAcks = c.Kafka.RequiredAcks
	pc.Compression = c.Kafka.Compression
	return pc
}

// ConsumerConfig Kafka 消费者配置
func (c *Config) ConsumerConfig() kafka.ConsumerConfig {
	cc := kafka.DefaultConsumerConfig(c.Kafka.Brokers, c.Kafka.GroupID, []string{events.TopicEvents})
	cc.RetryBackoff = c.Kafka.RetryBackoff
	return cc
}
