// 文件: pkg/order/repository.go
package order

import (
	"context"
	"errors"
)

var ErrHistoryNotFound = errors.New("order: history not found")

// HistoryRepository 订单历史存储
type HistoryRepository interface {
	// 事务内执行，fn 返回错误时整体回滚
	Transaction(ctx context.Context, fn func(tx HistoryTx) error) error

	// 查询
	Get(ctx context.Context, marketID, counter uint64) (*History, error)
	ListOpenByUser(ctx context.Context, userID int64) ([]*History, error)
	ListByUser(ctx context.Context, userID int64, marketID uint64, limit int) ([]*History, error)
}

// HistoryTx 事务内的操作
type HistoryTx interface {
	IsAggregated(marketID, seq uint64) (bool, error)
	MarkAggregated(marketID, seq uint64, at int64) error

	Create(h *History) error
	Get(marketID, counter uint64) (*History, error) // 不存在返回 ErrHistoryNotFound
	Save(h *History) error
}
