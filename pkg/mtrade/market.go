package mtrade

import (
	"fmt"
	"math/bits"

	"clob.com/pkg/avlq"
	"clob.com/pkg/fee"
)

// =============================================================================
// 市场参数
// =============================================================================
//
// 数量以 lot 计，价格以 "每 lot 多少 tick" 计：
//
//	base  = size  × LotSize
//	ticks = size  × price
//	quote = ticks × TickSize

// MarketParams 市场参数
type MarketParams struct {
	MarketID       uint64
	Symbol         string
	LotSize        uint64 // 每 lot 的 base 数量
	TickSize       uint64 // 每 tick 的 quote 数量
	MinSize        uint64 // 限价单最小数量 (lot)
	CriticalHeight uint8  // 挂单树的驱逐高度
	Fee            fee.Schedule
}

// DefaultMarketParams 默认参数
func DefaultMarketParams(marketID uint64, symbol string) MarketParams {
	return MarketParams{
		MarketID:       marketID,
		Symbol:         symbol,
		LotSize:        1,
		TickSize:       1,
		MinSize:        1,
		CriticalHeight: avlq.MaxCriticalHeight,
		Fee:            fee.DefaultSchedule(),
	}
}

// Validate 校验参数
func (p MarketParams) Validate() error {
	switch {
	case p.LotSize == 0:
		return fmt.Errorf("%w: lot size is zero", ErrInvalidMarket)
	case p.TickSize == 0:
		return fmt.Errorf("%w: tick size is zero", ErrInvalidMarket)
	case p.MinSize == 0:
		return fmt.Errorf("%w: min size is zero", ErrInvalidMarket)
	case p.CriticalHeight > avlq.MaxCriticalHeight:
		return fmt.Errorf("%w: critical height %d", ErrInvalidMarket, p.CriticalHeight)
	case p.Fee.TakerFeeDivisor < fee.MinDivisor:
		return fmt.Errorf("%w: taker fee divisor %d", ErrInvalidMarket, p.Fee.TakerFeeDivisor)
	}
	return nil
}

// orderAmounts 一笔限价单锁定所需的 base / quote
// 任一乘积超出 64 位返回 ErrNumericOverflow
func (p MarketParams) orderAmounts(size uint64, price uint32) (base, ticks, quote uint64, err error) {
	if base, err = mul(size, p.LotSize); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: size %d × lot %d", err, size, p.LotSize)
	}
	if ticks, err = mul(size, uint64(price)); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: size %d × price %d", err, size, price)
	}
	if quote, err = mul(ticks, p.TickSize); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: ticks %d × tick %d", err, ticks, p.TickSize)
	}
	return base, ticks, quote, nil
}

// collateral 挂单锁定的资产：卖单锁 base，买单锁 quote
func (p MarketParams) collateral(side Side, size uint64, price uint32) (base, quote uint64, err error) {
	b, _, q, err := p.orderAmounts(size, price)
	if err != nil {
		return 0, 0, err
	}
	if side == SideSell {
		return b, 0, nil
	}
	return 0, q, nil
}

// mul 128 位乘法，高位非零即溢出
func mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrNumericOverflow
	}
	return lo, nil
}

// add 带进位检查的加法
func add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrNumericOverflow
	}
	return sum, nil
}

// validPrice 价格区间 [1, 2^32-1]
func validPrice(price uint64) bool {
	return price >= 1 && price <= avlq.MaxKey
}
