package mtrade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clob.com/pkg/asset"
)

// =============================================================================
// Engine 测试
// =============================================================================

// 测试辅助函数
func mustNewEngine(t testing.TB, config EngineConfig) (*Engine, *asset.Manager) {
	ledger := asset.NewManager(asset.MustFillIDGenerator(2))
	engine, err := NewEngine(config, ledger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine, ledger
}

func mustSubmit(t testing.TB, e *Engine, cmd Command) Reply {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := e.Submit(ctx, cmd)
	if err != nil {
		t.Fatalf("submit %s: %v", cmd.Type, err)
	}
	return r
}

// eventRecorder 线程安全地收集事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if evs := r.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(r.snapshot()))
	return nil
}

func TestEngine_StartStop(t *testing.T) {
	engine, _ := mustNewEngine(t, DefaultEngineConfig(1, "BTC_USDT"))
	engine.Start(context.Background())
	engine.Stop()
	engine.Stop() // 重复 Stop 无副作用

	_, err := engine.Submit(context.Background(), Command{Type: CmdDeposit, User: 1, Base: 1})
	if !errors.Is(err, ErrEngineStopped) {
		t.Errorf("expected ErrEngineStopped, got %v", err)
	}
}

func TestEngine_MatchTrade(t *testing.T) {
	engine, ledger := mustNewEngine(t, DefaultEngineConfig(1, "BTC_USDT"))
	rec := &eventRecorder{}
	engine.OnEvent(rec.handle)
	engine.Start(context.Background())
	defer engine.Stop()

	mustSubmit(t, engine, Command{Type: CmdDeposit, User: 1, Base: 10})
	mustSubmit(t, engine, Command{Type: CmdDeposit, User: 2, Quote: 1000})

	maker := mustSubmit(t, engine, Command{Type: CmdPlaceLimit, User: 1, Side: SideSell, Size: 10, Price: 50})
	if !maker.Result.Posted {
		t.Fatalf("maker not posted: %+v", maker.Result)
	}

	taker := mustSubmit(t, engine, Command{Type: CmdPlaceLimit, User: 2, Side: SideBuy, Size: 4, Price: 50})
	if taker.Result.Match.Lots != 4 || taker.Result.Posted {
		t.Errorf("taker = %+v", taker.Result)
	}

	// placed(maker) + placed(taker) + fill
	evs := rec.waitFor(t, 3)
	if evs[2].Type != EventFill || evs[2].Fill.MakerOrderID != maker.OrderID {
		t.Errorf("third event = %+v", evs[2])
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq != evs[i-1].Seq+1 {
			t.Errorf("event seq gap: %d -> %d", evs[i-1].Seq, evs[i].Seq)
		}
	}

	stats := engine.GetStats()
	if stats.TradesExecuted != 1 || stats.OrdersPlaced != 2 {
		t.Errorf("stats = %+v", stats)
	}

	bids, asks := engine.GetDepth(5)
	if len(bids) != 0 || len(asks) != 1 || asks[0].Size != 6 {
		t.Errorf("depth bids=%v asks=%v", bids, asks)
	}

	acc, _ := ledger.GetAccount(asset.AccountKey{UserID: 2, MarketID: 1})
	if acc.Base.Total != 4 {
		t.Errorf("taker base = %d", acc.Base.Total)
	}
}

func TestEngine_FailedCommandReturnsError(t *testing.T) {
	engine, _ := mustNewEngine(t, DefaultEngineConfig(1, "BTC_USDT"))
	engine.Start(context.Background())
	defer engine.Stop()

	_, err := engine.Submit(context.Background(), Command{Type: CmdPlaceLimit, User: 1, Side: SideBuy, Size: 1, Price: 0})
	if !errors.Is(err, ErrPriceOutOfRange) {
		t.Errorf("expected ErrPriceOutOfRange, got %v", err)
	}
	_, err = engine.Submit(context.Background(), Command{Type: 99})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand, got %v", err)
	}
	if got := engine.GetStats().CommandsFailed; got != 2 {
		t.Errorf("failed = %d, want 2", got)
	}
}

func TestEngine_CancelOrder(t *testing.T) {
	engine, _ := mustNewEngine(t, DefaultEngineConfig(1, "BTC_USDT"))
	rec := &eventRecorder{}
	engine.OnEvent(rec.handle)
	engine.Start(context.Background())
	defer engine.Stop()

	mustSubmit(t, engine, Command{Type: CmdDeposit, User: 1, Quote: 500})
	placed := mustSubmit(t, engine, Command{Type: CmdPlaceLimit, User: 1, Side: SideBuy, Size: 10, Price: 50})
	mustSubmit(t, engine, Command{Type: CmdCancel, User: 1, OrderID: placed.OrderID})

	evs := rec.waitFor(t, 2)
	if evs[1].Type != EventCancelled || evs[1].Reason != ReasonManual {
		t.Errorf("cancel event = %+v", evs[1])
	}
	if got := engine.GetStats().OrdersCanceled; got != 1 {
		t.Errorf("canceled = %d", got)
	}

	r := mustSubmit(t, engine, Command{Type: CmdWithdraw, User: 1, Quote: 500})
	if r.Holdings.Quote != 500 {
		t.Errorf("withdrawn = %+v", r.Holdings)
	}
}

func TestEngine_SinkFailureHalts(t *testing.T) {
	engine, _ := mustNewEngine(t, DefaultEngineConfig(1, "BTC_USDT"))
	sinkErr := errors.New("disk full")
	engine.OnEventSink(func(Event) error { return sinkErr })
	rec := &eventRecorder{}
	engine.OnEvent(rec.handle)
	engine.Start(context.Background())
	defer engine.Stop()

	mustSubmit(t, engine, Command{Type: CmdDeposit, User: 1, Base: 10})
	mustSubmit(t, engine, Command{Type: CmdPlaceLimit, User: 1, Side: SideSell, Size: 1, Price: 50})

	select {
	case <-engine.Halted():
	case <-time.After(time.Second):
		t.Fatal("engine did not halt")
	}
	if err := engine.Err(); !errors.Is(err, ErrEngineHalted) || !errors.Is(err, sinkErr) {
		t.Fatalf("Err() = %v", err)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("handler saw %d events after sink failure", n)
	}

	_, err := engine.Submit(context.Background(), Command{Type: CmdPlaceLimit, User: 1, Side: SideSell, Size: 1, Price: 51})
	if !errors.Is(err, ErrEngineHalted) {
		t.Errorf("expected ErrEngineHalted, got %v", err)
	}
}

func TestEngine_SubmitContextCanceled(t *testing.T) {
	engine, _ := mustNewEngine(t, DefaultEngineConfig(1, "BTC_USDT"))
	// 未启动，命令不会被处理

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := engine.Submit(ctx, Command{Type: CmdDeposit, User: 1, Base: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// =============================================================================
// Engine 基准测试
// =============================================================================

func BenchmarkEngine_PlaceCancel(b *testing.B) {
	engine, _ := mustNewEngine(b, DefaultEngineConfig(1, "BTC_USDT"))
	engine.Start(context.Background())
	defer engine.Stop()

	mustSubmit(b, engine, Command{Type: CmdDeposit, User: 1, Quote: 1 << 60})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := mustSubmit(b, engine, Command{
			Type: CmdPlaceLimit, User: 1, Side: SideBuy, Size: 10, Price: uint64(50000 + i%100),
		})
		mustSubmit(b, engine, Command{Type: CmdCancel, User: 1, OrderID: r.OrderID})
	}
}

func BenchmarkEngine_MatchThroughput(b *testing.B) {
	engine, _ := mustNewEngine(b, DefaultEngineConfig(1, "BTC_USDT"))
	engine.Start(context.Background())
	defer engine.Stop()

	mustSubmit(b, engine, Command{Type: CmdDeposit, User: 1, Base: 1 << 40})
	mustSubmit(b, engine, Command{Type: CmdDeposit, User: 2, Quote: 1 << 60})

	// 预先添加 Maker 订单
	for i := 0; i < 100; i++ {
		mustSubmit(b, engine, Command{
			Type: CmdPlaceLimit, User: 1, Side: SideSell, Size: 1 << 30, Price: uint64(50000 + i),
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mustSubmit(b, engine, Command{
			Type: CmdPlaceLimit, User: 2, Side: SideBuy, Size: 10, Price: 50000, Restriction: ImmediateOrCancel,
		})
	}
}
