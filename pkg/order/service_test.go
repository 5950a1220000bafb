package order

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clob.com/pkg/asset"
	"clob.com/pkg/events"
	"clob.com/pkg/mtrade"
)

// =============================================================================
// 内存仓库
// =============================================================================

type memRepo struct {
	rows map[[2]uint64]History
	aggs map[[2]uint64]int64
	fail error // 非空时 Save 返回该错误
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[[2]uint64]History{}, aggs: map[[2]uint64]int64{}}
}

type memTx struct {
	repo *memRepo
	rows map[[2]uint64]History
	aggs map[[2]uint64]int64
}

func (r *memRepo) Transaction(_ context.Context, fn func(tx HistoryTx) error) error {
	tx := &memTx{repo: r, rows: map[[2]uint64]History{}, aggs: map[[2]uint64]int64{}}
	for k, v := range r.rows {
		tx.rows[k] = v
	}
	for k, v := range r.aggs {
		tx.aggs[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	r.rows, r.aggs = tx.rows, tx.aggs
	return nil
}

func (r *memRepo) Get(_ context.Context, marketID, counter uint64) (*History, error) {
	h, ok := r.rows[[2]uint64{marketID, counter}]
	if !ok {
		return nil, ErrHistoryNotFound
	}
	return &h, nil
}

func (r *memRepo) ListOpenByUser(_ context.Context, userID int64) ([]*History, error) {
	var out []*History
	for _, h := range r.rows {
		if h.UserID == userID && h.Status == StatusOpen {
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Counter < out[j].Counter })
	return out, nil
}

func (r *memRepo) ListByUser(_ context.Context, userID int64, marketID uint64, limit int) ([]*History, error) {
	var out []*History
	for _, h := range r.rows {
		if h.UserID == userID && h.MarketID == marketID {
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Counter > out[j].Counter })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) IsAggregated(marketID, seq uint64) (bool, error) {
	_, ok := t.aggs[[2]uint64{marketID, seq}]
	return ok, nil
}

func (t *memTx) MarkAggregated(marketID, seq uint64, at int64) error {
	t.aggs[[2]uint64{marketID, seq}] = at
	return nil
}

func (t *memTx) Create(h *History) error {
	k := [2]uint64{h.MarketID, h.Counter}
	if _, ok := t.rows[k]; ok {
		return fmt.Errorf("duplicate order %v", k)
	}
	t.rows[k] = *h
	return nil
}

func (t *memTx) Get(marketID, counter uint64) (*History, error) {
	h, ok := t.rows[[2]uint64{marketID, counter}]
	if !ok {
		return nil, ErrHistoryNotFound
	}
	return &h, nil
}

func (t *memTx) Save(h *History) error {
	if t.repo.fail != nil {
		return t.repo.fail
	}
	t.rows[[2]uint64{h.MarketID, h.Counter}] = *h
	return nil
}

// =============================================================================
// 订单簿事件
// =============================================================================

const market = 1

type bookFixture struct {
	t      *testing.T
	ob     *mtrade.OrderBook
	ledger *asset.Manager
	events []mtrade.Event
}

func newBook(t *testing.T) *bookFixture {
	ledger := asset.NewManager(asset.MustFillIDGenerator(3))
	ob, err := mtrade.NewOrderBook(mtrade.DefaultMarketParams(market, "BTC_USDT"), ledger)
	require.NoError(t, err)
	return &bookFixture{t: t, ob: ob, ledger: ledger}
}

func (f *bookFixture) deposit(user int64, base, quote uint64) {
	require.NoError(f.t, f.ledger.Deposit(asset.AccountKey{UserID: user, MarketID: market}, base, quote))
}

func (f *bookFixture) limit(user int64, side mtrade.Side, size, price uint64, r mtrade.Restriction) mtrade.PlaceResult {
	res, err := f.ob.PlaceLimitOrder(mtrade.LimitOrder{User: user, Side: side, Size: size, Price: price, Restriction: r})
	require.NoError(f.t, err)
	f.events = append(f.events, f.ob.DrainEvents()...)
	return res
}

func (f *bookFixture) drain() []mtrade.Event {
	f.events = append(f.events, f.ob.DrainEvents()...)
	evs := f.events
	f.events = nil
	return evs
}

func newService(repo HistoryRepository) *HistoryService {
	s := NewHistoryService(repo)
	s.now = func() int64 { return 1 }
	return s
}

// =============================================================================
// 测试
// =============================================================================

func TestApply_FillUpdatesMakerAndTaker(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 10, 0)
	f.deposit(2, 0, 10000)

	maker := f.limit(1, mtrade.SideSell, 10, 100, mtrade.NoRestriction)
	f.limit(2, mtrade.SideBuy, 4, 100, mtrade.NoRestriction)
	taker := f.limit(2, mtrade.SideBuy, 6, 101, mtrade.NoRestriction)

	repo := newMemRepo()
	svc := newService(repo)
	n, err := svc.Apply(context.Background(), f.drain())
	require.NoError(t, err)
	assert.Equal(t, 5, n) // 3 placed + 2 fill

	m, err := svc.GetOrder(context.Background(), market, maker.OrderID.Counter)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, m.Status)
	assert.Equal(t, uint64(10), m.TotalFilled)
	assert.Equal(t, uint64(0), m.RemainingSize)
	assert.Equal(t, uint64(1000), m.QuoteVolume)
	assert.Equal(t, "100", m.AvgPrice.String())
	assert.Equal(t, maker.OrderID.String(), m.OrderID)

	tk, err := svc.GetOrder(context.Background(), market, taker.OrderID.Counter)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, tk.Status)
	assert.Equal(t, uint64(6), tk.TotalFilled)
	assert.Equal(t, OrderTypeLimit, tk.OrderType)
	assert.Equal(t, int8(1), tk.Side)
}

func TestApply_Idempotent(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 10, 0)
	f.deposit(2, 0, 10000)
	f.limit(1, mtrade.SideSell, 10, 100, mtrade.NoRestriction)
	f.limit(2, mtrade.SideBuy, 3, 100, mtrade.NoRestriction)
	evs := f.drain()

	repo := newMemRepo()
	svc := newService(repo)
	_, err := svc.Apply(context.Background(), evs)
	require.NoError(t, err)

	// 乱序 + 重复投递
	dup := append([]mtrade.Event{evs[2], evs[0]}, evs...)
	n, err := svc.Apply(context.Background(), dup)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	m, _ := svc.GetOrder(context.Background(), market, 1)
	assert.Equal(t, uint64(3), m.TotalFilled)
	assert.Equal(t, uint64(7), m.RemainingSize)
	assert.Equal(t, StatusOpen, m.Status)
}

func TestApply_OutOfOrderBatchIsSorted(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 10, 0)
	f.deposit(2, 0, 10000)
	f.limit(1, mtrade.SideSell, 10, 100, mtrade.NoRestriction)
	f.limit(2, mtrade.SideBuy, 10, 100, mtrade.NoRestriction)
	evs := f.drain()

	// fill 在 placed 前到达
	reversed := make([]mtrade.Event, len(evs))
	for i := range evs {
		reversed[len(evs)-1-i] = evs[i]
	}
	svc := newService(newMemRepo())
	n, err := svc.Apply(context.Background(), reversed)
	require.NoError(t, err)
	assert.Equal(t, len(evs), n)
}

func TestApply_ChangeAndCancel(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 0, 100000)
	placed := f.limit(1, mtrade.SideBuy, 5, 100, mtrade.NoRestriction)

	id, err := f.ob.ChangeOrderSize(1, 0, placed.OrderID, 3)
	require.NoError(t, err)
	id, err = f.ob.ChangeOrderSize(1, 0, id, 8)
	require.NoError(t, err)

	repo := newMemRepo()
	svc := newService(repo)
	_, err = svc.Apply(context.Background(), f.drain())
	require.NoError(t, err)

	h, _ := svc.GetOrder(context.Background(), market, placed.OrderID.Counter)
	assert.Equal(t, uint64(8), h.RemainingSize)
	assert.Equal(t, uint64(5), h.InitialSize)
	assert.NotZero(t, h.LastIncreaseAt)
	assert.Equal(t, id.String(), h.OrderID)

	open, _ := svc.GetOpenOrders(context.Background(), 1)
	require.Len(t, open, 1)

	require.NoError(t, f.ob.CancelOrder(1, 0, id))
	_, err = svc.Apply(context.Background(), f.drain())
	require.NoError(t, err)

	h, _ = svc.GetOrder(context.Background(), market, placed.OrderID.Counter)
	assert.Equal(t, StatusCancelled, h.Status)
	open, _ = svc.GetOpenOrders(context.Background(), 1)
	assert.Empty(t, open)
}

func TestApply_ImmediateOrCancelRemainder(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 10, 0)
	f.deposit(2, 0, 10000)
	f.limit(1, mtrade.SideSell, 2, 100, mtrade.NoRestriction)
	ioc := f.limit(2, mtrade.SideBuy, 5, 100, mtrade.ImmediateOrCancel)

	svc := newService(newMemRepo())
	_, err := svc.Apply(context.Background(), f.drain())
	require.NoError(t, err)

	h, _ := svc.GetOrder(context.Background(), market, ioc.OrderID.Counter)
	assert.Equal(t, StatusCancelled, h.Status)
	assert.Equal(t, uint64(2), h.TotalFilled)
	assert.Equal(t, uint64(3), h.RemainingSize)
}

func TestApply_MarketOrderClosesAfterFill(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 10, 0)
	f.deposit(2, 0, 10000)
	f.limit(1, mtrade.SideSell, 10, 100, mtrade.NoRestriction)

	res, err := f.ob.PlaceMarketOrder(mtrade.MarketOrder{
		User: 2, Side: mtrade.SideBuy, MaxBase: 4, MaxQuote: 10000, LimitPrice: 1<<32 - 1,
	})
	require.NoError(t, err)

	svc := newService(newMemRepo())
	_, err = svc.Apply(context.Background(), f.drain())
	require.NoError(t, err)

	h, _ := svc.GetOrder(context.Background(), market, res.OrderID.Counter)
	assert.Equal(t, OrderTypeMarket, h.OrderType)
	assert.Equal(t, StatusClosed, h.Status)
	assert.Equal(t, uint64(4), h.TotalFilled)
}

func TestApply_AvgPriceAcrossLevels(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 10, 0)
	f.deposit(2, 0, 10000)
	f.limit(1, mtrade.SideSell, 1, 100, mtrade.NoRestriction)
	f.limit(1, mtrade.SideSell, 2, 103, mtrade.NoRestriction)
	taker := f.limit(2, mtrade.SideBuy, 3, 103, mtrade.NoRestriction)

	svc := newService(newMemRepo())
	_, err := svc.Apply(context.Background(), f.drain())
	require.NoError(t, err)

	h, _ := svc.GetOrder(context.Background(), market, taker.OrderID.Counter)
	// (100 + 2·103) / 3 = 102
	assert.Equal(t, "102", h.AvgPrice.String())
}

func TestApply_RollsBackWholeBatch(t *testing.T) {
	f := newBook(t)
	f.deposit(1, 10, 0)
	f.deposit(2, 0, 10000)
	f.limit(1, mtrade.SideSell, 10, 100, mtrade.NoRestriction)
	f.limit(2, mtrade.SideBuy, 3, 100, mtrade.NoRestriction)

	repo := newMemRepo()
	repo.fail = errors.New("deadlock")
	svc := newService(repo)

	_, err := svc.Apply(context.Background(), f.drain())
	require.ErrorIs(t, err, repo.fail)
	assert.Empty(t, repo.rows)
	assert.Empty(t, repo.aggs)
}

func TestApply_MissingOrder(t *testing.T) {
	svc := newService(newMemRepo())
	_, err := svc.Apply(context.Background(), []mtrade.Event{{
		Type: mtrade.EventCancelled, MarketID: market, Seq: 9, OrderID: mtrade.OrderID{Counter: 42},
	}})
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestDecodeBatch_SkipsGarbage(t *testing.T) {
	good, err := events.NewEnvelope(mtrade.Event{Type: mtrade.EventPlaced, MarketID: 1, Seq: 1}).Value()
	require.NoError(t, err)

	evs := decodeBatch([]*sarama.ConsumerMessage{
		{Value: []byte("not json"), Offset: 1},
		{Value: good, Offset: 2},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)
}

// =============================================================================
// MySQL (需要 CLOB_MYSQL_DSN)
// =============================================================================

func TestMySQLHistoryRepository(t *testing.T) {
	dsn := os.Getenv("CLOB_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CLOB_MYSQL_DSN not set")
	}
	db, err := OpenMySQL(dsn)
	require.NoError(t, err)
	repo := NewMySQLHistoryRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, db.Exec("DELETE FROM order_history WHERE market_id = ?", 9001).Error)
	require.NoError(t, db.Exec("DELETE FROM aggregated_events WHERE market_id = ?", 9001).Error)

	placed := mtrade.Event{
		Type: mtrade.EventPlaced, MarketID: 9001, Seq: 1,
		OrderID: mtrade.OrderID{Counter: 1}, User: 7, Side: mtrade.SideBuy, Price: 100, Size: 5,
	}
	cancelled := placed
	cancelled.Type, cancelled.Seq, cancelled.Reason = mtrade.EventCancelled, 2, mtrade.ReasonManual

	svc := NewHistoryService(repo)
	n, err := svc.Apply(ctx, []mtrade.Event{placed, cancelled})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.Apply(ctx, []mtrade.Event{placed, cancelled})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h, err := svc.GetOrder(ctx, 9001, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, h.Status)

	rows, err := svc.GetOrderHistory(ctx, 7, 9001, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = svc.GetOrder(ctx, 9001, 99)
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}
