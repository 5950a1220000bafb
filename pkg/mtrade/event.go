package mtrade

// =============================================================================
// 事件定义
// =============================================================================
//
// 订单簿在一次操作中按顺序产生事件，操作失败时一并丢弃。
// Seq 在单个市场内单调递增，下游据此去重。

// EventType 事件类型
type EventType uint8

const (
	EventPlaced    EventType = iota + 1 // 下单 (限价/市价)
	EventFill                           // 成交，同时携带 maker 和 taker 视角
	EventChanged                        // 改量
	EventCancelled                      // 撤单/驱逐/IOC 剩余
)

func (t EventType) String() string {
	switch t {
	case EventPlaced:
		return "placed"
	case EventFill:
		return "fill"
	case EventChanged:
		return "changed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CancelReason 撤单原因，也用作撮合停止原因
type CancelReason uint8

const (
	ReasonNone CancelReason = iota
	ReasonManual
	ReasonEvicted
	ReasonImmediateOrCancel
	ReasonMaxBaseTraded
	ReasonMaxQuoteTraded
	ReasonNotEnoughLiquidity
	ReasonViolatedLimitPrice
)

func (r CancelReason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonEvicted:
		return "evicted"
	case ReasonImmediateOrCancel:
		return "immediate_or_cancel"
	case ReasonMaxBaseTraded:
		return "max_base_traded"
	case ReasonMaxQuoteTraded:
		return "max_quote_traded"
	case ReasonNotEnoughLiquidity:
		return "not_enough_liquidity"
	case ReasonViolatedLimitPrice:
		return "violated_limit_price"
	default:
		return "none"
	}
}

// Event 订单簿事件
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	MarketID  uint64    `json:"market_id"`
	Timestamp int64     `json:"ts"`

	OrderID   OrderID   `json:"order_id"`
	User      int64     `json:"user"`
	Custodian uint64    `json:"custodian"`
	Side      Side      `json:"side"`
	OrderType OrderType `json:"order_type"`
	Price     uint32    `json:"price"`
	Size      uint64    `json:"size"` // placed: 下单数量; changed: 新数量; cancelled: 撤销时剩余

	Restriction Restriction  `json:"restriction,omitempty"`
	Reason      CancelReason `json:"reason,omitempty"`
	Fill        *Fill        `json:"fill,omitempty"`
}

// Fill 一笔成交
type Fill struct {
	FillID         int64   `json:"fill_id"`
	MakerOrderID   OrderID `json:"maker_order_id"`
	TakerOrderID   OrderID `json:"taker_order_id"`
	Maker          int64   `json:"maker"`
	MakerCustodian uint64  `json:"maker_custodian"`
	Taker          int64   `json:"taker"`
	TakerCustodian uint64  `json:"taker_custodian"`
	MakerSide      Side    `json:"maker_side"`
	Price          uint32  `json:"price"`
	Size           uint64  `json:"size"`
	Base           uint64  `json:"base"`
	Quote          uint64  `json:"quote"`
	MakerComplete  bool    `json:"maker_complete"`
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventSink 必须成功的事件处理器，返回错误时引擎停机
type EventSink func(Event) error
