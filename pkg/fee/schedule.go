// 文件: pkg/fee/schedule.go
// Taker 手续费
//
// 费率用除数表示: fee = quote / divisor (向下取整)
// 例如 divisor=2000 即 0.05% (5 个基点)。
// Maker 不收费。

package fee

import (
	"errors"
	"fmt"
	"math/bits"

	"clob.com/pkg/asset"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidDivisor    = errors.New("fee: taker fee divisor must be at least 2")
	ErrNumericOverflow   = errors.New("fee: numeric overflow")
	ErrInsufficientQuote = errors.New("fee: insufficient quote for fee")
)

// MinDivisor 卖单公式分母为 divisor-1，必须大于 0
const MinDivisor = 2

// Direction Taker 方向
type Direction int8

const (
	Buy  Direction = 1
	Sell Direction = -1
)

func (d Direction) String() string {
	if d == Buy {
		return "BUY"
	}
	return "SELL"
}

// =============================================================================
// Schedule
// =============================================================================

// Schedule 单个市场的费率表
type Schedule struct {
	TakerFeeDivisor uint64
}

// DefaultSchedule 默认 5 个基点
func DefaultSchedule() Schedule {
	return Schedule{TakerFeeDivisor: 2000}
}

// NewSchedule 校验除数
func NewSchedule(divisor uint64) (Schedule, error) {
	if divisor < MinDivisor {
		return Schedule{}, fmt.Errorf("%w: %d", ErrInvalidDivisor, divisor)
	}
	return Schedule{TakerFeeDivisor: divisor}, nil
}

// FromBasisPoints 万分比转除数，bps 必须整除 10000
func FromBasisPoints(bps uint64) (Schedule, error) {
	if bps == 0 || 10000%bps != 0 {
		return Schedule{}, fmt.Errorf("%w: %d bps", ErrInvalidDivisor, bps)
	}
	return NewSchedule(10000 / bps)
}

// TakerFeeRate 费率 (分子, 分母)
func (s Schedule) TakerFeeRate() (num, den uint64) {
	return 1, s.TakerFeeDivisor
}

// MaxQuoteForMatching 从用户的报价上限中扣出手续费，得到可用于撮合的报价
//
//	买: 支付 q + q/D <= M  =>  q = ⌊D·M / (D+1)⌋
//	卖: 收到 q - q/D <= M  =>  q = ⌊D·M / (D-1)⌋
//
// D·M 用 128 位计算，结果超出 64 位返回 ErrNumericOverflow
func (s Schedule) MaxQuoteForMatching(d Direction, maxQuote uint64) (uint64, error) {
	div := s.TakerFeeDivisor
	if div < MinDivisor {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDivisor, div)
	}

	den := div - 1
	if d == Buy {
		if div == ^uint64(0) {
			// D+1 = 2^64，商就是乘积高 64 位
			hi, _ := bits.Mul64(div, maxQuote)
			return hi, nil
		}
		den = div + 1
	}

	hi, lo := bits.Mul64(div, maxQuote)
	if hi >= den {
		return 0, fmt.Errorf("%w: max quote %d, divisor %d", ErrNumericOverflow, maxQuote, div)
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// QuoteCeiling MaxQuoteForMatching 不溢出的最大报价上限
// 卖: 需 D·M < 2^64·(D-1)，即 M = ⌊(2^64·(D-1) - 1) / D⌋
func (s Schedule) QuoteCeiling(d Direction) uint64 {
	div := s.TakerFeeDivisor
	if d == Buy || div < MinDivisor {
		return ^uint64(0)
	}
	q, _ := bits.Div64(div-2, ^uint64(0), div)
	return q
}

// Fee 成交报价对应的手续费
func (s Schedule) Fee(quoteFill uint64) uint64 {
	return quoteFill / s.TakerFeeDivisor
}

// AssessTakerFees 从 taker 持有的报价资产中扣手续费
// 买单在撮合后额外支付，卖单从成交所得中扣除，两种情况都从 h.Quote 扣
func (s Schedule) AssessTakerFees(d Direction, quoteFill uint64, h asset.Holdings) (asset.Holdings, uint64, error) {
	f := s.Fee(quoteFill)
	if h.Quote < f {
		return h, 0, fmt.Errorf("%w: %s need %d, have %d", ErrInsufficientQuote, d, f, h.Quote)
	}
	h.Quote -= f
	return h, f, nil
}
