package mtrade

import (
	"encoding/binary"
	"fmt"

	"clob.com/pkg/asset"
	"clob.com/pkg/avlq"
)

// =============================================================================
// 命令 (Command)
// =============================================================================
//
// 所有改变订单簿或账本的操作都以命令的形式进入 matchLoop，
// 先写 WAL 再执行。重放同一串命令得到相同的订单簿 (access key 也相同)。

// CommandType 命令类型
type CommandType uint8

const (
	CmdPlaceLimit CommandType = iota + 1
	CmdPlaceMarket
	CmdCancel
	CmdChangeSize
	CmdDeposit
	CmdWithdraw
)

func (t CommandType) String() string {
	switch t {
	case CmdPlaceLimit:
		return "PLACE_LIMIT"
	case CmdPlaceMarket:
		return "PLACE_MARKET"
	case CmdCancel:
		return "CANCEL"
	case CmdChangeSize:
		return "CHANGE_SIZE"
	case CmdDeposit:
		return "DEPOSIT"
	case CmdWithdraw:
		return "WITHDRAW"
	default:
		return "UNKNOWN"
	}
}

// Command 引擎命令
// 按类型使用其中的字段：
//
//	PLACE_LIMIT:  Side Size Price Restriction [HasCriticalHeight CriticalHeight]
//	PLACE_MARKET: Side MinBase MaxBase MinQuote MaxQuote Price(限价)
//	CANCEL:       OrderID
//	CHANGE_SIZE:  OrderID Size
//	DEPOSIT / WITHDRAW: Base Quote
type Command struct {
	Type      CommandType
	User      int64
	Custodian uint64

	Side              Side
	Restriction       Restriction
	HasCriticalHeight bool  // false 使用市场默认值
	CriticalHeight    uint8 // HasCriticalHeight 为 true 时生效，可以为 0
	Size              uint64
	Price             uint64

	MinBase  uint64
	MaxBase  uint64
	MinQuote uint64
	MaxQuote uint64

	OrderID OrderID

	Base  uint64
	Quote uint64
}

// Reply 命令执行结果
type Reply struct {
	Result   PlaceResult
	OrderID  OrderID        // 改量后的 OrderID
	Holdings asset.Holdings // 提现取出的资产
	Err      error
}

// apply 在订单簿上执行命令
func (ob *OrderBook) apply(cmd *Command) Reply {
	switch cmd.Type {
	case CmdPlaceLimit:
		req := LimitOrder{
			User:        cmd.User,
			Custodian:   cmd.Custodian,
			Side:        cmd.Side,
			Size:        cmd.Size,
			Price:       cmd.Price,
			Restriction: cmd.Restriction,
		}
		if cmd.HasCriticalHeight {
			req.CriticalHeight = Height(cmd.CriticalHeight)
		}
		res, err := ob.PlaceLimitOrder(req)
		return Reply{Result: res, OrderID: res.OrderID, Err: err}

	case CmdPlaceMarket:
		res, err := ob.PlaceMarketOrder(MarketOrder{
			User:       cmd.User,
			Custodian:  cmd.Custodian,
			Side:       cmd.Side,
			MinBase:    cmd.MinBase,
			MaxBase:    cmd.MaxBase,
			MinQuote:   cmd.MinQuote,
			MaxQuote:   cmd.MaxQuote,
			LimitPrice: cmd.Price,
		})
		return Reply{Result: res, OrderID: res.OrderID, Err: err}

	case CmdCancel:
		return Reply{OrderID: cmd.OrderID, Err: ob.CancelOrder(cmd.User, cmd.Custodian, cmd.OrderID)}

	case CmdChangeSize:
		id, err := ob.ChangeOrderSize(cmd.User, cmd.Custodian, cmd.OrderID, cmd.Size)
		return Reply{OrderID: id, Err: err}

	case CmdDeposit:
		return Reply{Err: ob.ledger.Deposit(ob.accountKey(cmd.User, cmd.Custodian), cmd.Base, cmd.Quote)}

	case CmdWithdraw:
		h, err := ob.ledger.Withdraw(ob.accountKey(cmd.User, cmd.Custodian), cmd.Base, cmd.Quote)
		return Reply{Holdings: h, Err: err}
	}
	return Reply{Err: fmt.Errorf("%w: type %d", ErrInvalidCommand, cmd.Type)}
}

// =============================================================================
// 二进制编码 (WAL 使用)
// =============================================================================

// Type(1) Side(1) Restriction(1) CriticalHeight(1) Flags(1) User(8) Custodian(8)
// Size(8) Price(8) MinBase(8) MaxBase(8) MinQuote(8) MaxQuote(8)
// OrderCounter(8) OrderKey(8) Base(8) Quote(8)
const (
	commandHeader = 5
	commandSize   = commandHeader + 8*12
)

const flagCriticalHeight byte = 1 << 0

// encodeCommand 写入 buf，buf 长度至少 commandSize
func encodeCommand(buf []byte, cmd *Command) []byte {
	buf = buf[:commandSize]
	buf[0] = byte(cmd.Type)
	buf[1] = byte(cmd.Side)
	buf[2] = byte(cmd.Restriction)
	buf[3] = cmd.CriticalHeight
	buf[4] = 0
	if cmd.HasCriticalHeight {
		buf[4] |= flagCriticalHeight
	}

	le := binary.LittleEndian
	off := commandHeader
	for _, v := range [...]uint64{
		uint64(cmd.User), cmd.Custodian,
		cmd.Size, cmd.Price,
		cmd.MinBase, cmd.MaxBase, cmd.MinQuote, cmd.MaxQuote,
		cmd.OrderID.Counter, uint64(cmd.OrderID.AccessKey),
		cmd.Base, cmd.Quote,
	} {
		le.PutUint64(buf[off:], v)
		off += 8
	}
	return buf
}

// decodeCommand 从 WAL 数据解码
func decodeCommand(data []byte) (*Command, error) {
	if len(data) != commandSize {
		return nil, fmt.Errorf("%w: command length %d", ErrInvalidCommand, len(data))
	}
	le := binary.LittleEndian
	u := func(i int) uint64 { return le.Uint64(data[commandHeader+8*i:]) }

	return &Command{
		Type:              CommandType(data[0]),
		Side:              Side(int8(data[1])),
		Restriction:       Restriction(data[2]),
		CriticalHeight:    data[3],
		HasCriticalHeight: data[4]&flagCriticalHeight != 0,
		User:              int64(u(0)),
		Custodian:         u(1),
		Size:              u(2),
		Price:             u(3),
		MinBase:           u(4),
		MaxBase:           u(5),
		MinQuote:          u(6),
		MaxQuote:          u(7),
		OrderID:           OrderID{Counter: u(8), AccessKey: avlq.AccessKey(u(9))},
		Base:              u(10),
		Quote:             u(11),
	}, nil
}
