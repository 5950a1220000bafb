package mtrade

import (
	"fmt"
	"sync/atomic"
	"time"

	"clob.com/pkg/asset"
	"clob.com/pkg/avlq"
)

// =============================================================================
// 订单簿 (Order Book)
// =============================================================================
//
// 【面试高频】无锁撮合
//
// 设计原则：
//   1. 撮合线程独享 OrderBook，内部操作无锁
//   2. 外部查询通过快照机制，使用 atomic.Pointer
//   3. 每个公开操作在事务中执行，失败时两侧队列、账本、序号一起回滚

// OrderBook 单个市场的订单簿
// 【核心设计】由单个 goroutine (matchLoop) 独占访问，无需锁
type OrderBook struct {
	params MarketParams

	asks *avlq.Queue[Order] // 卖盘（价格升序）
	bids *avlq.Queue[Order] // 买盘（价格降序）

	ledger Ledger

	counter  uint64 // 下单序号
	eventSeq uint64 // 事件序号
	events   []Event

	now func() int64

	// 快照（供外部查询，原子更新）
	snapshot atomic.Pointer[OrderBookSnapshot]
}

// OrderBookSnapshot 订单簿快照（只读）
type OrderBookSnapshot struct {
	MarketID  uint64
	BestBid   uint32 // 0 表示无买单
	BestAsk   uint32 // 0 表示无卖单
	BidLevels int
	AskLevels int
	BidOrders int
	AskOrders int
	BidDepth  []DepthLevel
	AskDepth  []DepthLevel
}

// DepthLevel 深度档位
type DepthLevel struct {
	Price  uint32
	Size   uint64 // lot 合计
	Orders int
}

// SnapshotDepth 快照保留的档位数
const SnapshotDepth = 20

// NewOrderBook 创建订单簿
func NewOrderBook(params MarketParams, ledger Ledger) (*OrderBook, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ob := &OrderBook{
		params: params,
		asks:   avlq.New[Order](avlq.Ascending),
		bids:   avlq.New[Order](avlq.Descending),
		ledger: ledger,
		now:    func() int64 { return time.Now().UnixNano() },
	}
	ob.snapshot.Store(&OrderBookSnapshot{MarketID: params.MarketID})
	return ob, nil
}

// Params 市场参数
func (ob *OrderBook) Params() MarketParams {
	return ob.params
}

// Counter 已分配的下单序号
func (ob *OrderBook) Counter() uint64 {
	return ob.counter
}

// =============================================================================
// 请求 / 结果
// =============================================================================

// LimitOrder 限价单请求
type LimitOrder struct {
	User           int64
	Custodian      uint64
	Side           Side
	Size           uint64 // lot
	Price          uint64 // 每 lot 的 tick 数，[1, 2^32-1]
	Restriction    Restriction
	CriticalHeight *uint8 // nil 使用市场默认值
}

// Height 构造 LimitOrder.CriticalHeight
func Height(h uint8) *uint8 { return &h }

// MarketOrder 市价单请求
// MaxQuote 含手续费；LimitPrice 为最差可接受价格
type MarketOrder struct {
	User       int64
	Custodian  uint64
	Side       Side
	MinBase    uint64
	MaxBase    uint64
	MinQuote   uint64
	MaxQuote   uint64
	LimitPrice uint64
}

// MatchResult 撮合结果
type MatchResult struct {
	Lots   uint64 // 成交 lot
	Ticks  uint64 // 成交 tick
	Base   uint64
	Quote  uint64 // 不含手续费
	Fee    uint64
	Fills  int
	Reason CancelReason // 停止原因
}

// QuoteTraded 买单含手续费的支出，卖单扣手续费后的收入
func (r MatchResult) QuoteTraded(side Side) uint64 {
	if side == SideBuy {
		return r.Quote + r.Fee
	}
	return r.Quote - r.Fee
}

// PlaceResult 下单结果
type PlaceResult struct {
	OrderID   OrderID // 挂单时带 access key
	Match     MatchResult
	Remaining uint64 // 挂单或被取消的剩余数量
	Posted    bool
	Evicted   *OrderID
}

// =============================================================================
// 事务
// =============================================================================

// atomically 在事务中执行 fn，出错则撤销全部修改
// 【面试】引擎内部没有逐步撤销逻辑，整体回滚由这里统一保证
func (ob *OrderBook) atomically(fn func() error) error {
	if err := ob.asks.Begin(); err != nil {
		return err
	}
	if err := ob.bids.Begin(); err != nil {
		ob.asks.Rollback()
		return err
	}
	if err := ob.ledger.Begin(); err != nil {
		ob.asks.Rollback()
		ob.bids.Rollback()
		return err
	}

	counter, seq, n := ob.counter, ob.eventSeq, len(ob.events)
	if err := fn(); err != nil {
		ob.asks.Rollback()
		ob.bids.Rollback()
		ob.ledger.Rollback()
		ob.counter, ob.eventSeq = counter, seq
		clear(ob.events[n:])
		ob.events = ob.events[:n]
		return err
	}

	ob.asks.Commit()
	ob.bids.Commit()
	ob.ledger.Commit()
	return nil
}

// =============================================================================
// 下单
// =============================================================================

// PlaceLimitOrder 限价单：先作为 taker 撮合，剩余部分挂单
func (ob *OrderBook) PlaceLimitOrder(req LimitOrder) (PlaceResult, error) {
	var res PlaceResult
	err := ob.atomically(func() error {
		var err error
		res, err = ob.placeLimit(req)
		return err
	})
	if err != nil {
		return PlaceResult{}, err
	}
	return res, nil
}

func (ob *OrderBook) placeLimit(req LimitOrder) (PlaceResult, error) {
	p := ob.params
	if !req.Side.Valid() {
		return PlaceResult{}, ErrInvalidSide
	}
	if !req.Restriction.Valid() {
		return PlaceResult{}, fmt.Errorf("%w: %d", ErrInvalidRestriction, req.Restriction)
	}
	if !validPrice(req.Price) {
		return PlaceResult{}, fmt.Errorf("%w: %d", ErrPriceOutOfRange, req.Price)
	}
	if req.Size < p.MinSize {
		return PlaceResult{}, fmt.Errorf("%w: %d < %d", ErrSizeTooSmall, req.Size, p.MinSize)
	}
	price := uint32(req.Price)
	maxBase, _, _, err := p.orderAmounts(req.Size, price)
	if err != nil {
		return PlaceResult{}, err
	}
	critical := p.CriticalHeight
	if req.CriticalHeight != nil {
		critical = *req.CriticalHeight
	}

	if req.Restriction == PostOrAbort && ob.crosses(req.Side, price) {
		return PlaceResult{}, ErrPostOrAbortCrossed
	}

	ob.counter++
	id := OrderID{Counter: ob.counter}
	key := ob.accountKey(req.User, req.Custodian)

	ob.emit(Event{
		Type:        EventPlaced,
		OrderID:     id,
		User:        req.User,
		Custodian:   req.Custodian,
		Side:        req.Side,
		OrderType:   OrderTypeLimit,
		Price:       price,
		Size:        req.Size,
		Restriction: req.Restriction,
	})

	// taker 资产：买单取出全部可用 quote，卖单取出整单 base
	var h asset.Holdings
	maxQuote := p.Fee.QuoteCeiling(req.Side.Direction())
	if req.Side == SideBuy {
		avail := ob.availableQuote(key)
		if avail < maxQuote {
			maxQuote = avail
		}
		h, err = ob.ledger.Withdraw(key, 0, maxQuote)
	} else {
		h, err = ob.ledger.Withdraw(key, maxBase, 0)
	}
	if err != nil {
		return PlaceResult{}, err
	}

	t := taker{user: req.User, custodian: req.Custodian, id: id}
	h, mr, err := ob.match(t, req.Side, matchParams{
		maxBase:  maxBase,
		maxQuote: maxQuote,
		limit:    price,
	}, h)
	if err != nil {
		return PlaceResult{}, err
	}
	if err := ob.ledger.DepositHoldings(key, h); err != nil {
		return PlaceResult{}, overflow(err)
	}

	res := PlaceResult{OrderID: id, Match: mr, Remaining: req.Size - mr.Lots}
	if res.Remaining == 0 {
		return res, nil
	}

	switch req.Restriction {
	case FillOrAbort:
		return PlaceResult{}, fmt.Errorf("%w: %d of %d lots", ErrFillOrAbortNotFilled, mr.Lots, req.Size)
	case ImmediateOrCancel:
		ob.emit(Event{
			Type:      EventCancelled,
			OrderID:   id,
			User:      req.User,
			Custodian: req.Custodian,
			Side:      req.Side,
			OrderType: OrderTypeLimit,
			Price:     price,
			Size:      res.Remaining,
			Reason:    ReasonImmediateOrCancel,
		})
		return res, nil
	}

	// 剩余挂单
	base, quote, err := p.collateral(req.Side, res.Remaining, price)
	if err != nil {
		return PlaceResult{}, err
	}
	if err := ob.ledger.Lock(key, base, quote); err != nil {
		return PlaceResult{}, err
	}
	order := Order{Size: res.Remaining, User: req.User, Custodian: req.Custodian, Counter: id.Counter}
	ak, evicted, err := ob.side(req.Side).InsertCheckEviction(price, order, critical)
	if err != nil {
		return PlaceResult{}, err
	}
	res.OrderID.AccessKey = ak
	res.Posted = true

	if evicted != nil {
		eid, err := ob.releaseEvicted(evicted)
		if err != nil {
			return PlaceResult{}, err
		}
		res.Evicted = &eid
	}
	return res, nil
}

// PlaceMarketOrder 市价单：只吃单，不挂单
func (ob *OrderBook) PlaceMarketOrder(req MarketOrder) (PlaceResult, error) {
	var res PlaceResult
	err := ob.atomically(func() error {
		var err error
		res, err = ob.placeMarket(req)
		return err
	})
	if err != nil {
		return PlaceResult{}, err
	}
	return res, nil
}

func (ob *OrderBook) placeMarket(req MarketOrder) (PlaceResult, error) {
	p := ob.params
	if !req.Side.Valid() {
		return PlaceResult{}, ErrInvalidSide
	}
	if !validPrice(req.LimitPrice) {
		return PlaceResult{}, fmt.Errorf("%w: %d", ErrPriceOutOfRange, req.LimitPrice)
	}
	if req.MinBase > req.MaxBase || req.MinQuote > req.MaxQuote {
		return PlaceResult{}, ErrInvalidBounds
	}

	ob.counter++
	id := OrderID{Counter: ob.counter}
	key := ob.accountKey(req.User, req.Custodian)
	size := req.MaxBase / p.LotSize

	ob.emit(Event{
		Type:      EventPlaced,
		OrderID:   id,
		User:      req.User,
		Custodian: req.Custodian,
		Side:      req.Side,
		OrderType: OrderTypeMarket,
		Price:     uint32(req.LimitPrice),
		Size:      size,
	})

	var (
		h   asset.Holdings
		err error
	)
	if req.Side == SideBuy {
		h, err = ob.ledger.Withdraw(key, 0, req.MaxQuote)
	} else {
		h, err = ob.ledger.Withdraw(key, req.MaxBase, 0)
	}
	if err != nil {
		return PlaceResult{}, err
	}

	t := taker{user: req.User, custodian: req.Custodian, id: id}
	h, mr, err := ob.match(t, req.Side, matchParams{
		minBase:  req.MinBase,
		maxBase:  req.MaxBase,
		minQuote: req.MinQuote,
		maxQuote: req.MaxQuote,
		limit:    uint32(req.LimitPrice),
	}, h)
	if err != nil {
		return PlaceResult{}, err
	}
	if err := ob.ledger.DepositHoldings(key, h); err != nil {
		return PlaceResult{}, overflow(err)
	}

	res := PlaceResult{OrderID: id, Match: mr, Remaining: size - mr.Lots}
	// 额度用尽视为正常结束，流动性不足或触及限价视为取消
	if res.Remaining > 0 && (mr.Reason == ReasonNotEnoughLiquidity || mr.Reason == ReasonViolatedLimitPrice) {
		ob.emit(Event{
			Type:      EventCancelled,
			OrderID:   id,
			User:      req.User,
			Custodian: req.Custodian,
			Side:      req.Side,
			OrderType: OrderTypeMarket,
			Price:     uint32(req.LimitPrice),
			Size:      res.Remaining,
			Reason:    mr.Reason,
		})
	}
	return res, nil
}

// =============================================================================
// 撤单 / 改量
// =============================================================================

// CancelOrder 撤单并解锁挂单资产
func (ob *OrderBook) CancelOrder(user int64, custodian uint64, id OrderID) error {
	return ob.atomically(func() error {
		order, err := ob.owned(user, custodian, id)
		if err != nil {
			return err
		}
		if _, err := ob.side(id.Side()).Remove(id.AccessKey); err != nil {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		if err := ob.unlockOrder(id.Side(), order.Size, id.Price(), order); err != nil {
			return err
		}
		ob.emit(Event{
			Type:      EventCancelled,
			OrderID:   id,
			User:      user,
			Custodian: custodian,
			Side:      id.Side(),
			OrderType: OrderTypeLimit,
			Price:     id.Price(),
			Size:      order.Size,
			Reason:    ReasonManual,
		})
		return nil
	})
}

// ChangeOrderSize 改量
// 减量原地修改，保留时间优先级；加量移到同价位队尾，返回新的 OrderID
func (ob *OrderBook) ChangeOrderSize(user int64, custodian uint64, id OrderID, newSize uint64) (OrderID, error) {
	newID := id
	err := ob.atomically(func() error {
		if newSize < ob.params.MinSize {
			return fmt.Errorf("%w: %d < %d", ErrSizeTooSmall, newSize, ob.params.MinSize)
		}
		order, err := ob.owned(user, custodian, id)
		if err != nil {
			return err
		}
		side, price := id.Side(), id.Price()
		if _, _, _, err := ob.params.orderAmounts(newSize, price); err != nil {
			return err
		}
		if newSize == order.Size {
			return nil
		}

		key := ob.accountKey(user, custodian)
		q := ob.side(side)
		if newSize < order.Size {
			if err := ob.unlockOrder(side, order.Size-newSize, price, order); err != nil {
				return err
			}
			v, err := q.BorrowMut(id.AccessKey)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
			}
			v.Size = newSize
		} else {
			base, quote, err := ob.params.collateral(side, newSize-order.Size, price)
			if err != nil {
				return err
			}
			if err := ob.ledger.Lock(key, base, quote); err != nil {
				return err
			}
			if _, err := q.Remove(id.AccessKey); err != nil {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
			}
			order.Size = newSize
			ak, evicted, err := q.InsertCheckEviction(price, order, ob.params.CriticalHeight)
			if err != nil {
				return err
			}
			newID.AccessKey = ak
			if evicted != nil {
				if _, err := ob.releaseEvicted(evicted); err != nil {
					return err
				}
			}
		}

		ob.emit(Event{
			Type:      EventChanged,
			OrderID:   newID,
			User:      user,
			Custodian: custodian,
			Side:      side,
			OrderType: OrderTypeLimit,
			Price:     price,
			Size:      newSize,
		})
		return nil
	})
	if err != nil {
		return id, err
	}
	return newID, nil
}

// owned 校验订单存在且属于调用方
func (ob *OrderBook) owned(user int64, custodian uint64, id OrderID) (Order, error) {
	if !id.Posted() {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	order, err := ob.side(id.Side()).Borrow(id.AccessKey)
	if err != nil || order.Counter != id.Counter {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if order.User != user || order.Custodian != custodian {
		return Order{}, fmt.Errorf("%w: %s", ErrNotOrderOwner, id)
	}
	return order, nil
}

// releaseEvicted 被驱逐订单解锁资产并发事件
func (ob *OrderBook) releaseEvicted(e *avlq.Evicted[Order]) (OrderID, error) {
	id := OrderID{Counter: e.Value.Counter, AccessKey: e.AccessKey}
	side, price := id.Side(), id.Price()
	if err := ob.unlockOrder(side, e.Value.Size, price, e.Value); err != nil {
		return id, err
	}
	ob.emit(Event{
		Type:      EventCancelled,
		OrderID:   id,
		User:      e.Value.User,
		Custodian: e.Value.Custodian,
		Side:      side,
		OrderType: OrderTypeLimit,
		Price:     price,
		Size:      e.Value.Size,
		Reason:    ReasonEvicted,
	})
	return id, nil
}

func (ob *OrderBook) unlockOrder(side Side, size uint64, price uint32, o Order) error {
	base, quote, err := ob.params.collateral(side, size, price)
	if err != nil {
		return err
	}
	return ob.ledger.Unlock(ob.accountKey(o.User, o.Custodian), base, quote)
}

// =============================================================================
// 辅助方法
// =============================================================================

// side 挂单方向对应的队列
func (ob *OrderBook) side(s Side) *avlq.Queue[Order] {
	if s == SideBuy {
		return ob.bids
	}
	return ob.asks
}

// opposite taker 方向对应的对手盘
func (ob *OrderBook) opposite(s Side) *avlq.Queue[Order] {
	return ob.side(s.Opposite())
}

// crosses 以 price 挂 side 方向是否会立即成交
func (ob *OrderBook) crosses(s Side, price uint32) bool {
	best, ok := ob.opposite(s).HeadKey()
	if !ok {
		return false
	}
	if s == SideBuy {
		return price >= best
	}
	return price <= best
}

func (ob *OrderBook) accountKey(user int64, custodian uint64) asset.AccountKey {
	return asset.AccountKey{UserID: user, MarketID: ob.params.MarketID, CustodianID: custodian}
}

// availableQuote 账本里的可用 quote
func (ob *OrderBook) availableQuote(key asset.AccountKey) uint64 {
	acc, _ := ob.ledger.GetAccount(key)
	return acc.Quote.Available
}

// emit 记录事件，操作提交后由 DrainEvents 取走
func (ob *OrderBook) emit(e Event) {
	ob.eventSeq++
	e.Seq = ob.eventSeq
	e.MarketID = ob.params.MarketID
	e.Timestamp = ob.now()
	ob.events = append(ob.events, e)
}

// DrainEvents 取走已提交的事件
func (ob *OrderBook) DrainEvents() []Event {
	if len(ob.events) == 0 {
		return nil
	}
	out := ob.events
	ob.events = nil
	return out
}

// GetOrder 按 OrderID 查挂单
// 【无锁】仅由 matchLoop 调用
func (ob *OrderBook) GetOrder(id OrderID) (Order, bool) {
	if !id.Posted() {
		return Order{}, false
	}
	o, err := ob.side(id.Side()).Borrow(id.AccessKey)
	if err != nil || o.Counter != id.Counter {
		return Order{}, false
	}
	return o, true
}

// Height 两侧挂单树高
func (ob *OrderBook) Height() (bids, asks uint8) {
	return ob.bids.Height(), ob.asks.Height()
}

// =============================================================================
// 快照机制（无锁读）
// =============================================================================

// UpdateSnapshot 更新快照
// 【无锁】仅由 matchLoop 调用，撮合后执行
func (ob *OrderBook) UpdateSnapshot() {
	snap := &OrderBookSnapshot{
		MarketID:  ob.params.MarketID,
		BidLevels: ob.bids.Levels(),
		AskLevels: ob.asks.Levels(),
		BidOrders: ob.bids.Len(),
		AskOrders: ob.asks.Len(),
		BidDepth:  depth(ob.bids, SnapshotDepth),
		AskDepth:  depth(ob.asks, SnapshotDepth),
	}
	if k, ok := ob.bids.HeadKey(); ok {
		snap.BestBid = k
	}
	if k, ok := ob.asks.HeadKey(); ok {
		snap.BestAsk = k
	}
	ob.snapshot.Store(snap)
}

// GetSnapshot 获取快照（无锁读）
// 【线程安全】可从任意 goroutine 调用
func (ob *OrderBook) GetSnapshot() *OrderBookSnapshot {
	return ob.snapshot.Load()
}

// Depth 获取深度（从快照读取）
func (ob *OrderBook) Depth(n int) (bids, asks []DepthLevel) {
	snap := ob.GetSnapshot()
	return snap.BidDepth[:min(n, len(snap.BidDepth))], snap.AskDepth[:min(n, len(snap.AskDepth))]
}

// depth 一侧前 n 档
func depth(q *avlq.Queue[Order], n int) []DepthLevel {
	out := make([]DepthLevel, 0, min(n, q.Levels()))
	q.ForEachLevel(func(price uint32, orders []Order) bool {
		if len(out) == n {
			return false
		}
		lvl := DepthLevel{Price: price, Orders: len(orders)}
		for _, o := range orders {
			lvl.Size += o.Size
		}
		out = append(out, lvl)
		return true
	})
	return out
}
