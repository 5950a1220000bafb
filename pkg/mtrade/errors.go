package mtrade

import (
	"errors"

	"clob.com/pkg/asset"
	"clob.com/pkg/avlq"
	"clob.com/pkg/fee"
)

var (
	ErrInvalidMarket        = errors.New("mtrade: invalid market params")
	ErrInvalidSide          = errors.New("mtrade: invalid side")
	ErrInvalidRestriction   = errors.New("mtrade: invalid restriction")
	ErrInvalidBounds        = errors.New("mtrade: min exceeds max")
	ErrPriceOutOfRange      = errors.New("mtrade: price out of range")
	ErrSizeTooSmall         = errors.New("mtrade: size below market minimum")
	ErrNumericOverflow      = errors.New("mtrade: numeric overflow")
	ErrSelfTrade            = errors.New("mtrade: self trade")
	ErrMinimumFillNotMet    = errors.New("mtrade: minimum fill not met")
	ErrPostOrAbortCrossed   = errors.New("mtrade: post-or-abort order crosses the spread")
	ErrFillOrAbortNotFilled = errors.New("mtrade: fill-or-abort order not completely filled")
	ErrOrderNotFound        = errors.New("mtrade: order not found")
	ErrNotOrderOwner        = errors.New("mtrade: not order owner")
	ErrInvalidCommand       = errors.New("mtrade: invalid command")
	ErrEngineStopped        = errors.New("mtrade: engine stopped")
	ErrEngineHalted         = errors.New("mtrade: engine halted")
)

// overflow 下游包的溢出统一归到 ErrNumericOverflow，原始错误保留
func overflow(err error) error {
	if err == nil || errors.Is(err, ErrNumericOverflow) {
		return err
	}
	if errors.Is(err, asset.ErrNumericOverflow) ||
		errors.Is(err, fee.ErrNumericOverflow) ||
		errors.Is(err, avlq.ErrNumericOverflow) {
		return errors.Join(ErrNumericOverflow, err)
	}
	return err
}
