package mtrade

import (
	"fmt"
	"math/big"

	"clob.com/pkg/avlq"
	"clob.com/pkg/fee"
)

// =============================================================================
// 常量定义
// =============================================================================

// 【面试高频】Side 买卖方向
// 问：为什么用 int8 而不是 string？
// 答：内存小、比较快、避免字符串分配
type Side int8

const (
	SideBuy  Side = 1  // 买入
	SideSell Side = -1 // 卖出，用 -1 方便计算对手盘
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// Opposite 返回对手方向
func (s Side) Opposite() Side {
	return -s
}

// Valid 是否合法方向
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Direction 转为手续费方向
func (s Side) Direction() fee.Direction {
	return fee.Direction(s)
}

// sideOf 挂单方向由 access key 的排序位决定：卖盘升序，买盘降序
func sideOf(k avlq.AccessKey) Side {
	if k.Ascending() {
		return SideSell
	}
	return SideBuy
}

// =============================================================================
// 订单类型 / 限制条件
// =============================================================================

// OrderType 订单类型
type OrderType int8

const (
	OrderTypeLimit  OrderType = iota // 限价单
	OrderTypeMarket                  // 市价单
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// 【面试高频】Restriction 限价单的成交限制
// 问：解释 IOC、FOK、Post Only 的区别
type Restriction int8

const (
	NoRestriction     Restriction = iota // 先吃单，剩余挂单
	FillOrAbort                          // 必须全部立即成交，否则整单失败
	ImmediateOrCancel                    // 立即成交，剩余取消，不挂单
	PostOrAbort                          // 仅做 Maker，会吃单则整单失败
)

func (r Restriction) String() string {
	switch r {
	case NoRestriction:
		return "NONE"
	case FillOrAbort:
		return "FOK"
	case ImmediateOrCancel:
		return "IOC"
	case PostOrAbort:
		return "POST_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Valid 是否合法
func (r Restriction) Valid() bool {
	return r >= NoRestriction && r <= PostOrAbort
}

// =============================================================================
// 订单状态
// =============================================================================

// 【面试】订单状态机：
//
//	PLACED → PARTIALLY_FILLED → FILLED | CANCELLED | EVICTED
//	           ↺ RESIZED (挂单期间改量)
type OrderStatus int8

const (
	OrderStatusPlaced OrderStatus = iota
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusEvicted
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPlaced:
		return "PLACED"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusEvicted:
		return "EVICTED"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// 订单结构体
// =============================================================================

// Order 挂在价格队列里的订单
// 价格和方向都在 access key 里，这里只存剩余数量和归属
type Order struct {
	Size      uint64 // 剩余数量 (lot)
	User      int64
	Custodian uint64
	Counter   uint64 // 下单序号，与 access key 组成 OrderID
}

// =============================================================================
// 订单 ID
// =============================================================================

// OrderID 128 位订单 ID: access_key | counter<<64
// 市价单和未挂单的限价单 AccessKey 为 0
type OrderID struct {
	Counter   uint64
	AccessKey avlq.AccessKey
}

// Posted 是否挂在簿上
func (id OrderID) Posted() bool {
	return id.AccessKey != 0
}

// Side 挂单方向，仅对 Posted 有意义
func (id OrderID) Side() Side {
	return sideOf(id.AccessKey)
}

// Price 挂单价格
func (id OrderID) Price() uint32 {
	return id.AccessKey.Key()
}

// Big 128 位整数形式
func (id OrderID) Big() *big.Int {
	v := new(big.Int).SetUint64(id.Counter)
	v.Lsh(v, 64)
	return v.Or(v, new(big.Int).SetUint64(uint64(id.AccessKey)))
}

// String 十进制
func (id OrderID) String() string {
	return id.Big().String()
}

// ParseOrderID 解析十进制订单 ID
func ParseOrderID(s string) (OrderID, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return OrderID{}, fmt.Errorf("invalid order id %q", s)
	}
	lo := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(v, 64)
	return OrderID{Counter: hi.Uint64(), AccessKey: avlq.AccessKey(lo.Uint64())}, nil
}

// MarshalText JSON 中以十进制字符串表示
func (id OrderID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText 解析十进制字符串
func (id *OrderID) UnmarshalText(b []byte) error {
	v, err := ParseOrderID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
