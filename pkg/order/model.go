// 文件: pkg/order/model.go
// 订单历史模型
//
// 每个订单一行，按 (market_id, counter) 唯一。
// counter 是订单簿内的下单序号，OrderID 的 access key 在改量时会变，counter 不变。

package order

import (
	"github.com/shopspring/decimal"

	"clob.com/pkg/mtrade"
)

// =============================================================================
// 订单状态
// =============================================================================

type Status string

const (
	StatusOpen      Status = "open"      // 挂单中 / 撮合中
	StatusClosed    Status = "closed"    // 全部成交，或市价单撮合结束
	StatusCancelled Status = "cancelled" // 撤单、IOC 剩余、市价单流动性不足
	StatusEvicted   Status = "evicted"   // 被更优价格的订单挤出
)

// =============================================================================
// 订单类型
// =============================================================================

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

func orderTypeOf(t mtrade.OrderType) OrderType {
	if t == mtrade.OrderTypeMarket {
		return OrderTypeMarket
	}
	return OrderTypeLimit
}

// =============================================================================
// History - 订单历史
// =============================================================================

type History struct {
	MarketID uint64 `gorm:"column:market_id;primaryKey;autoIncrement:false"`
	Counter  uint64 `gorm:"column:counter;primaryKey;autoIncrement:false"`

	// 最近一次已知的完整 OrderID (挂单或改量后才有 access key)
	OrderID   string `gorm:"column:order_id;type:varchar(40)"`
	UserID    int64  `gorm:"column:user_id;index:idx_user_status"`
	Custodian uint64 `gorm:"column:custodian_id"`

	Side        int8      `gorm:"column:side"` // 1 买, -1 卖
	OrderType   OrderType `gorm:"column:order_type;type:varchar(8)"`
	Restriction uint8     `gorm:"column:restriction"`
	Price       uint32    `gorm:"column:price"` // tick / lot

	InitialSize   uint64          `gorm:"column:initial_size"`
	RemainingSize uint64          `gorm:"column:remaining_size"`
	TotalFilled   uint64          `gorm:"column:total_filled"`
	QuoteVolume   uint64          `gorm:"column:quote_volume"`
	AvgPrice      decimal.Decimal `gorm:"column:avg_price;type:decimal(38,18)"`

	Status Status `gorm:"column:status;type:varchar(16);index:idx_user_status"`

	// 时间 (Unix 毫秒)
	CreatedAt      int64 `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      int64 `gorm:"column:updated_at;autoUpdateTime:false"`
	LastIncreaseAt int64 `gorm:"column:last_increase_at"` // 最近一次加量，0 表示没有
}

func (History) TableName() string {
	return "order_history"
}

// AggregatedEvent 已处理的事件，保证每个事件只应用一次
type AggregatedEvent struct {
	MarketID     uint64 `gorm:"column:market_id;primaryKey;autoIncrement:false"`
	Seq          uint64 `gorm:"column:seq;primaryKey;autoIncrement:false"`
	AggregatedAt int64  `gorm:"column:aggregated_at"`
}

func (AggregatedEvent) TableName() string {
	return "aggregated_events"
}

// =============================================================================
// 便捷方法
// =============================================================================

func (h *History) IsActive() bool {
	return h.Status == StatusOpen
}

// newHistory 由下单事件创建
func newHistory(e mtrade.Event) *History {
	ts := e.Timestamp / 1e6
	return &History{
		MarketID:      e.MarketID,
		Counter:       e.OrderID.Counter,
		OrderID:       e.OrderID.String(),
		UserID:        e.User,
		Custodian:     e.Custodian,
		Side:          int8(e.Side),
		OrderType:     orderTypeOf(e.OrderType),
		Restriction:   uint8(e.Restriction),
		Price:         e.Price,
		InitialSize:   e.Size,
		RemainingSize: e.Size,
		AvgPrice:      decimal.Zero,
		Status:        StatusOpen,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

// applyFill 记一笔成交
// 限价单剩余为 0 时关闭；市价单只在一次撮合内成交，成交即关闭，
// 若随后还有取消事件会再改为 cancelled。
func (h *History) applyFill(size, quote uint64, price uint32, ts int64) {
	filled := decimal.NewFromUint64(h.TotalFilled)
	notional := h.AvgPrice.Mul(filled).Add(decimal.NewFromUint64(size).Mul(decimal.NewFromInt(int64(price))))

	h.TotalFilled += size
	h.QuoteVolume += quote
	h.AvgPrice = notional.DivRound(decimal.NewFromUint64(h.TotalFilled), 18)
	if size >= h.RemainingSize {
		h.RemainingSize = 0
	} else {
		h.RemainingSize -= size
	}
	if h.RemainingSize == 0 || h.OrderType == OrderTypeMarket {
		h.Status = StatusClosed
	}
	h.UpdatedAt = ts
}
