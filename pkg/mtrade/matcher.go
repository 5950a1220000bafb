package mtrade

import (
	"fmt"

	"clob.com/pkg/asset"
)

// =============================================================================
// 撮合器 (Matcher)
// =============================================================================
//
// 【面试核心】价格优先、时间优先
//
// 预算用 lot 和 tick 两个计数器表示：
//   lots  = maxBase / LotSize
//   ticks = 扣除手续费后的 maxQuote / TickSize
// 每次取对手盘队首，成交量 = min(剩余 tick / 价格, 剩余 lot, maker 剩余)。
// maker 部分成交后必须停止，不能越过它去吃后面的单。

type taker struct {
	user      int64
	custodian uint64
	id        OrderID
}

type matchParams struct {
	minBase  uint64
	maxBase  uint64
	minQuote uint64
	maxQuote uint64 // 含手续费
	limit    uint32
}

// match 以 taker 身份吃对手盘，返回撮合后的 taker 持仓
// 出错时已做的修改由调用方的事务回滚
func (ob *OrderBook) match(t taker, side Side, mp matchParams, h asset.Holdings) (asset.Holdings, MatchResult, error) {
	p := ob.params
	dir := side.Direction()

	quoteMatch, err := p.Fee.MaxQuoteForMatching(dir, mp.maxQuote)
	if err != nil {
		return h, MatchResult{}, overflow(err)
	}
	lots := mp.maxBase / p.LotSize
	ticks := quoteMatch / p.TickSize
	lotsLeft, ticksLeft := lots, ticks

	book := ob.opposite(side)
	var res MatchResult

	for {
		if lotsLeft == 0 {
			res.Reason = ReasonMaxBaseTraded
			break
		}
		if ticksLeft == 0 {
			res.Reason = ReasonMaxQuoteTraded
			break
		}
		k, maker, ok := book.Head()
		if !ok {
			res.Reason = ReasonNotEnoughLiquidity
			break
		}
		price := k.Key()
		if (side == SideBuy && price > mp.limit) || (side == SideSell && price < mp.limit) {
			res.Reason = ReasonViolatedLimitPrice
			break
		}

		fill := min(ticksLeft/uint64(price), lotsLeft, maker.Size)
		if fill == 0 {
			res.Reason = ReasonMaxQuoteTraded
			break
		}
		if maker.User == t.user {
			return h, MatchResult{}, fmt.Errorf("%w: user %d order %d", ErrSelfTrade, t.user, maker.Counter)
		}

		// fill ≤ lots, fill·price ≤ ticks，两个乘积都不会溢出
		fillTicks := fill * uint64(price)
		lotsLeft -= fill
		ticksLeft -= fillTicks
		complete := fill == maker.Size

		f := asset.Fill{
			Maker:     ob.accountKey(maker.User, maker.Custodian),
			MakerAsk:  side == SideBuy,
			AccessKey: uint64(k),
			Size:      fill,
			Base:      fill * p.LotSize,
			Quote:     fillTicks * p.TickSize,
			Complete:  complete,
		}
		var fillID int64
		h, fillID, err = ob.ledger.ApplyFill(f, h)
		if err != nil {
			return h, MatchResult{}, overflow(err)
		}
		res.Fills++

		ob.emit(Event{
			Type:      EventFill,
			OrderID:   t.id,
			User:      t.user,
			Custodian: t.custodian,
			Side:      side,
			Price:     price,
			Size:      fill,
			Fill: &Fill{
				FillID:         fillID,
				MakerOrderID:   OrderID{Counter: maker.Counter, AccessKey: k},
				TakerOrderID:   t.id,
				Maker:          maker.User,
				MakerCustodian: maker.Custodian,
				Taker:          t.user,
				TakerCustodian: t.custodian,
				MakerSide:      side.Opposite(),
				Price:          price,
				Size:           fill,
				Base:           f.Base,
				Quote:          f.Quote,
				MakerComplete:  complete,
			},
		})

		if !complete {
			// 部分成交：原地减量，保留时间优先级
			_, m, err := book.BorrowHeadMut()
			if err != nil {
				return h, MatchResult{}, err
			}
			m.Size -= fill
			if lotsLeft == 0 {
				res.Reason = ReasonMaxBaseTraded
			} else {
				res.Reason = ReasonMaxQuoteTraded
			}
			break
		}
		if _, err := book.Remove(k); err != nil {
			return h, MatchResult{}, err
		}
	}

	res.Lots = lots - lotsLeft
	res.Ticks = ticks - ticksLeft
	if res.Base, err = mul(res.Lots, p.LotSize); err != nil {
		return h, MatchResult{}, fmt.Errorf("%w: base %d lots", err, res.Lots)
	}
	if res.Quote, err = mul(res.Ticks, p.TickSize); err != nil {
		return h, MatchResult{}, fmt.Errorf("%w: quote %d ticks", err, res.Ticks)
	}

	h, res.Fee, err = p.Fee.AssessTakerFees(dir, res.Quote, h)
	if err != nil {
		return h, MatchResult{}, err
	}
	if res.Fee > 0 {
		if err := ob.ledger.CollectFee(p.MarketID, res.Fee); err != nil {
			return h, MatchResult{}, overflow(err)
		}
	}

	traded := res.Quote - res.Fee
	if side == SideBuy {
		if traded, err = add(res.Quote, res.Fee); err != nil {
			return h, MatchResult{}, err
		}
	}
	if res.Base < mp.minBase || traded < mp.minQuote {
		return h, MatchResult{}, fmt.Errorf("%w: base %d/%d quote %d/%d",
			ErrMinimumFillNotMet, res.Base, mp.minBase, traded, mp.minQuote)
	}
	return h, res, nil
}
