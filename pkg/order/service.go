// 文件: pkg/order/service.go
// 订单历史聚合服务
//
// 消费订单簿事件，维护每个订单的状态、成交量、均价。
// 一批事件在一个事务里处理，按 (market, seq) 排序，每个事件只应用一次。

package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"clob.com/pkg/mtrade"
)

type HistoryService struct {
	repo HistoryRepository
	now  func() int64
}

func NewHistoryService(repo HistoryRepository) *HistoryService {
	return &HistoryService{
		repo: repo,
		now:  func() int64 { return time.Now().UnixMilli() },
	}
}

// =============================================================================
// 事件处理
// =============================================================================

// Apply 在一个事务里应用一批事件，返回实际应用的条数
func (s *HistoryService) Apply(ctx context.Context, evs []mtrade.Event) (int, error) {
	sorted := slices.Clone(evs)
	slices.SortStableFunc(sorted, func(a, b mtrade.Event) int {
		if a.MarketID != b.MarketID {
			if a.MarketID < b.MarketID {
				return -1
			}
			return 1
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	applied := 0
	err := s.repo.Transaction(ctx, func(tx HistoryTx) error {
		applied = 0
		for _, e := range sorted {
			done, err := tx.IsAggregated(e.MarketID, e.Seq)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := s.apply(tx, e); err != nil {
				return fmt.Errorf("event %d/%d %s: %w", e.MarketID, e.Seq, e.Type, err)
			}
			if err := tx.MarkAggregated(e.MarketID, e.Seq, s.now()); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (s *HistoryService) apply(tx HistoryTx, e mtrade.Event) error {
	ts := e.Timestamp / 1e6

	switch e.Type {
	case mtrade.EventPlaced:
		return tx.Create(newHistory(e))

	case mtrade.EventFill:
		if e.Fill == nil {
			return errors.New("fill event without fill")
		}
		f := e.Fill
		if err := s.fill(tx, e.MarketID, f.MakerOrderID, f, ts); err != nil {
			return fmt.Errorf("maker: %w", err)
		}
		return s.fill(tx, e.MarketID, f.TakerOrderID, f, ts)

	case mtrade.EventChanged:
		h, err := tx.Get(e.MarketID, e.OrderID.Counter)
		if err != nil {
			return err
		}
		if e.Size > h.RemainingSize {
			h.LastIncreaseAt = ts
		}
		h.RemainingSize = e.Size
		h.OrderID = e.OrderID.String()
		h.UpdatedAt = ts
		return tx.Save(h)

	case mtrade.EventCancelled:
		h, err := tx.Get(e.MarketID, e.OrderID.Counter)
		if err != nil {
			return err
		}
		h.Status = StatusCancelled
		if e.Reason == mtrade.ReasonEvicted {
			h.Status = StatusEvicted
		}
		h.UpdatedAt = ts
		return tx.Save(h)
	}

	log.Printf("[History] skip unknown event type %d market=%d seq=%d", e.Type, e.MarketID, e.Seq)
	return nil
}

func (s *HistoryService) fill(tx HistoryTx, market uint64, id mtrade.OrderID, f *mtrade.Fill, ts int64) error {
	h, err := tx.Get(market, id.Counter)
	if err != nil {
		return err
	}
	h.applyFill(f.Size, f.Quote, f.Price, ts)
	if id.Posted() {
		h.OrderID = id.String()
	}
	return tx.Save(h)
}

// =============================================================================
// 查询
// =============================================================================

func (s *HistoryService) GetOrder(ctx context.Context, marketID, counter uint64) (*History, error) {
	return s.repo.Get(ctx, marketID, counter)
}

func (s *HistoryService) GetOpenOrders(ctx context.Context, userID int64) ([]*History, error) {
	return s.repo.ListOpenByUser(ctx, userID)
}

func (s *HistoryService) GetOrderHistory(ctx context.Context, userID int64, marketID uint64, limit int) ([]*History, error) {
	return s.repo.ListByUser(ctx, userID, marketID, limit)
}
