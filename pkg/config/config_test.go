package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clob.com/pkg/mtrade"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clob.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), cfg.Market.ID)
	assert.Equal(t, uint64(2000), cfg.Market.TakerFeeDivisor)
	assert.Equal(t, mtrade.SyncModeBatch, cfg.EngineConfig().WAL.SyncMode)
	assert.Equal(t, time.Minute, cfg.Candles.Resolution)
	assert.Equal(t, "./data/wal", cfg.WAL.Dir)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: 7
market:
  id: 3
  symbol: ETH_USDC
  lot_size: 1000
  tick_size: 10
  taker_fee_divisor: 500
wal:
  dir: /var/lib/clob/wal
  sync_mode: always
relay:
  interval: 50ms
candles:
  resolution: 5m
kafka:
  brokers: [k1:9092, k2:9092]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.NodeID)
	p := cfg.MarketParams()
	assert.Equal(t, uint64(3), p.MarketID)
	assert.Equal(t, uint64(1000), p.LotSize)
	assert.Equal(t, uint64(1), p.MinSize) // 未设置保留默认值
	assert.Equal(t, uint64(500), p.Fee.TakerFeeDivisor)

	ec := cfg.EngineConfig()
	assert.Equal(t, "/var/lib/clob/wal", ec.WAL.Dir)
	assert.Equal(t, mtrade.SyncModeAlways, ec.WAL.SyncMode)

	assert.Equal(t, 50*time.Millisecond, cfg.Relay.Interval)
	assert.Equal(t, 256, cfg.Relay.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Candles.Resolution)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.ProducerConfig().Brokers)
	assert.Equal(t, []string{"clob.events"}, cfg.ConsumerConfig().Topics)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "nats:\n  url: nats://file:4222\n")
	t.Setenv("CLOB_NATS_URL", "nats://env:4222")
	t.Setenv("CLOB_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("CLOB_REDIS_ADDR", "redis:6379")
	t.Setenv("CLOB_MYSQL_DSN", "u:p@tcp(db:3306)/clob")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "u:p@tcp(db:3306)/clob", cfg.MySQL.DSN)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"sync mode", "wal:\n  sync_mode: sometimes\n"},
		{"lot size", "market:\n  lot_size: 0\n"},
		{"fee divisor", "market:\n  taker_fee_divisor: 1\n"},
		{"critical height", "market:\n  critical_height: 30\n"},
		{"node id", "node_id: 4096\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Load(writeConfig(t, "market: [\n"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
