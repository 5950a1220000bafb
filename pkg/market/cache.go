// 文件: pkg/market/cache.go
// 行情缓存 (Redis)
//
// 键:
//   clob:book:<market>                 → 订单簿快照 JSON
//   clob:candles:<market>:<resolution> → ZSET，score = Start，member = K 线 JSON

package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"clob.com/pkg/mtrade"
)

var ErrNotCached = errors.New("market: not cached")

// CacheConfig 缓存配置
type CacheConfig struct {
	Addr       string        `yaml:"addr"`
	DB         int           `yaml:"db"`
	BookTTL    time.Duration `yaml:"book_ttl"`
	MaxCandles int64         `yaml:"max_candles"` // 每个市场每种周期保留多少根
}

// DefaultCacheConfig 默认配置
func DefaultCacheConfig(addr string) CacheConfig {
	return CacheConfig{
		Addr:       addr,
		BookTTL:    10 * time.Second,
		MaxCandles: 1440,
	}
}

// Cache Redis 行情缓存
type Cache struct {
	client *redis.Client
	cfg    CacheConfig
}

// NewCache 创建缓存
func NewCache(cfg CacheConfig) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	return &Cache{client: rdb, cfg: cfg}
}

// Ping 检查连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭连接
func (c *Cache) Close() error {
	return c.client.Close()
}

func bookKey(market uint64) string {
	return "clob:book:" + strconv.FormatUint(market, 10)
}

func candleKey(market uint64, resolution int64) string {
	return "clob:candles:" + strconv.FormatUint(market, 10) + ":" + strconv.FormatInt(resolution, 10)
}

// =============================================================================
// 订单簿
// =============================================================================

// PutBook 写入订单簿快照，过期后视为行情中断
func (c *Cache) PutBook(ctx context.Context, snap *mtrade.OrderBookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, bookKey(snap.MarketID), data, c.cfg.BookTTL).Err()
}

// GetBook 读取订单簿快照
func (c *Cache) GetBook(ctx context.Context, market uint64) (*mtrade.OrderBookSnapshot, error) {
	data, err := c.client.Get(ctx, bookKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: book %d", ErrNotCached, market)
	}
	if err != nil {
		return nil, err
	}
	var snap mtrade.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// =============================================================================
// K 线
// =============================================================================

// luaPutCandle 同一区间只保留一根，超出上限删最旧的
// KEYS[1]: candleKey
// ARGV[1]: start (score)
// ARGV[2]: candle JSON
// ARGV[3]: max candles
const luaPutCandle = `
	redis.call('ZREMRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1])
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
	local n = redis.call('ZCARD', KEYS[1])
	local limit = tonumber(ARGV[3])
	if n > limit then
		redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - limit - 1)
	end
	return n
`

// PutCandle 写入一根已关闭的 K 线
func (c *Cache) PutCandle(ctx context.Context, k Candle) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return c.client.Eval(ctx, luaPutCandle, []string{candleKey(k.MarketID, k.Resolution)},
		k.Start, data, c.cfg.MaxCandles).Err()
}

// LatestCandles 最近 n 根 K 线，按时间升序
func (c *Cache) LatestCandles(ctx context.Context, market uint64, resolution int64, n int64) ([]Candle, error) {
	members, err := c.client.ZRevRange(ctx, candleKey(market, resolution), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candle, len(members))
	for i, m := range members {
		if err := json.Unmarshal([]byte(m), &out[len(members)-1-i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Consume 把广播的 K 线写入缓存，直到 channel 关闭
func (c *Cache) Consume(ctx context.Context, ch <-chan Candle) {
	for k := range ch {
		if err := c.PutCandle(ctx, k); err != nil {
			log.Printf("[Candle] cache market=%d start=%d: %v", k.MarketID, k.Start, err)
		}
	}
}
