// 文件: pkg/market/candle.go
// K 线
//
// 价格单位是 tick / lot，成交量单位是 lot，和订单簿一致。
// 展示用的价格、均价由调用方按 TickSize / LotSize 换算成 decimal。

package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle 一根 K 线
type Candle struct {
	MarketID   uint64 `json:"market_id"`
	Resolution int64  `json:"resolution"` // 秒
	Start      int64  `json:"start"`      // 区间起点 (Unix 秒)

	Open  uint32 `json:"open"`
	High  uint32 `json:"high"`
	Low   uint32 `json:"low"`
	Close uint32 `json:"close"`

	Volume      uint64 `json:"volume"`       // lot
	QuoteVolume uint64 `json:"quote_volume"` // quote 最小单位
	Trades      int    `json:"trades"`
}

// End 区间终点 (不含)
func (c *Candle) End() int64 {
	return c.Start + c.Resolution
}

// add 并入一笔成交
func (c *Candle) add(price uint32, size, quote uint64) {
	if c.Trades == 0 {
		c.Open, c.High, c.Low = price, price, price
	}
	c.High = max(c.High, price)
	c.Low = min(c.Low, price)
	c.Close = price
	c.Volume += size
	c.QuoteVolume += quote
	c.Trades++
}

// VWAP 成交量加权均价 (quote / base)
func (c *Candle) VWAP(lotSize uint64) decimal.Decimal {
	if c.Volume == 0 {
		return decimal.Zero
	}
	base := decimal.NewFromUint64(c.Volume).Mul(decimal.NewFromUint64(lotSize))
	return decimal.NewFromUint64(c.QuoteVolume).DivRound(base, 18)
}

// Price tick 价格换算成每单位 base 的 quote 价格
// price·TickSize / LotSize
func Price(ticks uint32, tickSize, lotSize uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(ticks)).
		Mul(decimal.NewFromUint64(tickSize)).
		DivRound(decimal.NewFromUint64(lotSize), 18)
}

// bucket 时间戳所在区间的起点
func bucket(ts time.Time, res time.Duration) int64 {
	sec := int64(res / time.Second)
	u := ts.Unix()
	return u - u%sec
}
