// 文件: pkg/market/roller.go
// K 线聚合器
//
// 消费成交事件，按市场维护当前区间的 K 线。
// 区间结束后由定时 Flush 关闭并广播，没有成交的区间不产生 K 线。
//
//	NATS clob.events.*.fill
//	          |
//	          v
//	   [CandleRoller] --Flush--> [Broadcaster] --> Cache / WebSocket

package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"clob.com/pkg/events"
	"clob.com/pkg/mtrade"
)

var ErrInvalidResolution = errors.New("market: resolution must be a positive whole number of seconds")

// RollerConfig 聚合器配置
type RollerConfig struct {
	Resolution    time.Duration `yaml:"resolution"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultRollerConfig 1 分钟 K 线，每分钟检查一次
func DefaultRollerConfig() RollerConfig {
	return RollerConfig{
		Resolution:    time.Minute,
		FlushInterval: 60 * time.Second,
	}
}

// CandleRoller K 线聚合器
type CandleRoller struct {
	cfg RollerConfig
	out *Broadcaster

	mu      sync.Mutex
	open    map[uint64]*Candle // market → 当前区间
	lastSeq map[uint64]uint64  // market → 已处理的最大事件序号
	closed  []Candle           // 已关闭未广播
}

// NewCandleRoller 创建聚合器
func NewCandleRoller(cfg RollerConfig, out *Broadcaster) (*CandleRoller, error) {
	if cfg.Resolution < time.Second || cfg.Resolution%time.Second != 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResolution, cfg.Resolution)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = cfg.Resolution
	}
	return &CandleRoller{
		cfg:     cfg,
		out:     out,
		open:    make(map[uint64]*Candle),
		lastSeq: make(map[uint64]uint64),
	}, nil
}

// Apply 并入一个事件，非成交事件和重复事件忽略
func (r *CandleRoller) Apply(e mtrade.Event) {
	if e.Type != mtrade.EventFill || e.Fill == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Seq <= r.lastSeq[e.MarketID] {
		return
	}
	r.lastSeq[e.MarketID] = e.Seq

	start := bucket(time.Unix(0, e.Timestamp), r.cfg.Resolution)
	c := r.open[e.MarketID]
	if c != nil && start >= c.End() {
		// 进入新区间，旧的先关闭
		r.closed = append(r.closed, *c)
		c = nil
	}
	if c == nil {
		c = &Candle{MarketID: e.MarketID, Resolution: int64(r.cfg.Resolution / time.Second), Start: start}
		r.open[e.MarketID] = c
	}
	c.add(e.Fill.Price, e.Fill.Size, e.Fill.Quote)
}

// HandleEnvelope NATS 订阅入口
func (r *CandleRoller) HandleEnvelope(env events.Envelope) error {
	r.Apply(env.Event)
	return nil
}

// Flush 关闭 now 之前结束的区间并广播，返回关闭的 K 线
func (r *CandleRoller) Flush(now time.Time) []Candle {
	return r.flush(now, false)
}

// FlushAll 关闭并广播所有 K 线，包括未结束的当前区间
func (r *CandleRoller) FlushAll() []Candle {
	return r.flush(time.Time{}, true)
}

func (r *CandleRoller) flush(now time.Time, all bool) []Candle {
	r.mu.Lock()
	out := r.closed
	r.closed = nil
	for market, c := range r.open {
		if all || c.End() <= now.Unix() {
			out = append(out, *c)
			delete(r.open, market)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Start < out[j].Start
	})
	for _, c := range out {
		r.out.Broadcast(c)
	}
	return out
}

// Current 当前未关闭的 K 线
func (r *CandleRoller) Current(market uint64) (Candle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.open[market]
	if !ok {
		return Candle{}, false
	}
	return *c, true
}

// Run 定时 Flush，直到 ctx 取消
// 退出前把所有 K 线 (含未结束的区间) 广播出去
func (r *CandleRoller) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := len(r.FlushAll()); n > 0 {
				log.Printf("[Candle] flushed %d candles on shutdown", n)
			}
			return
		case now := <-ticker.C:
			if n := len(r.Flush(now)); n > 0 {
				log.Printf("[Candle] closed %d candles", n)
			}
		}
	}
}
