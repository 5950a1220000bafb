package mtrade

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// =============================================================================
// 撮合引擎 (Matching Engine)
// =============================================================================
//
// 【面试高频】撮合引擎是订单处理的入口
//
// 架构：
//   命令输入 → 命令队列 → 撮合线程 → 事件发布
//
//   ┌─────────────┐
//   │   Submit    │ ──► Channel ──► MatchingLoop ──► EventBus
//   └─────────────┘        ▲              │
//                          └── reply ◄────┘

// EngineConfig 引擎配置
type EngineConfig struct {
	Market         MarketParams
	CmdQueueSize   int       // 命令队列大小
	EventQueueSize int       // 事件队列大小
	WAL            WALConfig // Dir 为空则不启用 WAL
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig(marketID uint64, symbol string) EngineConfig {
	return EngineConfig{
		Market:         DefaultMarketParams(marketID, symbol),
		CmdQueueSize:   10000,
		EventQueueSize: 10000,
		WAL:            DefaultWALConfig(""), // 默认不启用 WAL
	}
}

// =============================================================================
// 撮合引擎
// =============================================================================

// Engine 撮合引擎
// 【Go最佳实践】不在 struct 中存储 context，而是通过参数传递
type Engine struct {
	config    EngineConfig
	orderBook *OrderBook

	// WAL（可选）
	wal *WAL

	// 命令输入队列
	cmdCh chan *envelope

	// 异步事件队列
	eventCh chan Event
	// WAL 重放产生的事件，启动后补发
	replayed []Event

	// 事件处理器
	sinks    []EventSink // 持久化下游，失败则停机
	handlers []EventHandler
	mu       sync.RWMutex

	// 生命周期
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// sink 写入失败后停机，不再接受命令
	haltCh   chan struct{}
	haltOnce sync.Once
	haltErr  error

	// 统计
	stats engineCounters
}

type envelope struct {
	cmd   *Command
	reply chan Reply
}

// EngineStats 引擎统计
type EngineStats struct {
	CommandsReceived int64
	CommandsFailed   int64
	OrdersPlaced     int64
	TradesExecuted   int64
	OrdersCanceled   int64
	OrdersEvicted    int64
}

type engineCounters struct {
	commandsReceived atomic.Int64
	commandsFailed   atomic.Int64
	ordersPlaced     atomic.Int64
	tradesExecuted   atomic.Int64
	ordersCanceled   atomic.Int64
	ordersEvicted    atomic.Int64
}

// NewEngine 创建撮合引擎
func NewEngine(config EngineConfig, ledger Ledger) (*Engine, error) {
	ob, err := NewOrderBook(config.Market, ledger)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    config,
		orderBook: ob,
		cmdCh:     make(chan *envelope, config.CmdQueueSize),
		eventCh:   make(chan Event, config.EventQueueSize),
		stopCh:    make(chan struct{}),
		haltCh:    make(chan struct{}),
	}

	// 初始化 WAL（如果配置了）
	if config.WAL.Dir != "" {
		wal, err := NewWAL(config.WAL)
		if err != nil {
			return nil, err
		}
		engine.wal = wal

		// 执行恢复
		events, err := NewWALRecovery(wal).Recover(ob)
		if err != nil {
			wal.Close()
			return nil, fmt.Errorf("failed to recover from WAL: %w", err)
		}
		engine.replayed = events
	}

	return engine, nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动撮合引擎
// 【Go最佳实践】ctx 作为第一个参数传入，而不是存储在 struct 中
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2) // matchLoop + eventLoop
	go e.matchLoop(ctx)
	go e.eventLoop(ctx) // 独立的事件分发线程
	log.Printf("[Engine] %s started", e.config.Market.Symbol)
}

// Stop 停止撮合引擎
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()

		// 关闭 WAL
		if e.wal != nil {
			if err := e.wal.Close(); err != nil {
				log.Printf("[Engine] %s close WAL: %v", e.config.Market.Symbol, err)
			}
		}
		log.Printf("[Engine] %s stopped", e.config.Market.Symbol)
	})
}

// matchLoop 撮合主循环
// 【面试核心】单线程处理所有命令，保证顺序性
func (e *Engine) matchLoop(ctx context.Context) {
	defer e.wg.Done()

	for _, ev := range e.replayed {
		e.publishCriticalEvent(ctx, ev)
	}
	e.replayed = nil

	for {
		select {
		case <-ctx.Done(): // 外部 context 取消
			return

		case <-e.stopCh: // 内部停止信号
			return

		case <-e.haltCh: // 事件落盘失败
			return

		case env := <-e.cmdCh:
			env.reply <- e.process(ctx, env.cmd)
		}
	}
}

// =============================================================================
// 命令处理
// =============================================================================

// Submit 提交命令并等待结果
// 【面试】调用方阻塞在 reply channel 上，撮合线程串行执行
func (e *Engine) Submit(ctx context.Context, cmd Command) (Reply, error) {
	env := &envelope{cmd: &cmd, reply: make(chan Reply, 1)}
	e.stats.commandsReceived.Add(1)

	select {
	case <-e.haltCh:
		return Reply{}, e.Err()
	default:
	}

	select {
	case e.cmdCh <- env:
	case <-e.stopCh:
		return Reply{}, ErrEngineStopped
	case <-e.haltCh:
		return Reply{}, e.Err()
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	select {
	case r := <-env.reply:
		return r, r.Err
	case <-e.stopCh:
		return Reply{}, ErrEngineStopped
	case <-e.haltCh:
		return Reply{}, e.Err()
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// process 执行单条命令
func (e *Engine) process(ctx context.Context, cmd *Command) Reply {
	// 【WAL】先写日志，再撮合
	if e.wal != nil {
		if _, err := e.wal.WriteCommand(cmd); err != nil {
			e.stats.commandsFailed.Add(1)
			return Reply{Err: fmt.Errorf("write WAL: %w", err)}
		}
	}

	r := e.orderBook.apply(cmd)
	if r.Err != nil {
		e.stats.commandsFailed.Add(1)
		return r
	}

	for _, ev := range e.orderBook.DrainEvents() {
		e.count(ev)
		e.publishCriticalEvent(ctx, ev)
	}

	// 更新快照（供外部无锁读取）
	e.orderBook.UpdateSnapshot()
	return r
}

func (e *Engine) count(ev Event) {
	switch ev.Type {
	case EventPlaced:
		e.stats.ordersPlaced.Add(1)
	case EventFill:
		e.stats.tradesExecuted.Add(1)
	case EventCancelled:
		if ev.Reason == ReasonEvicted {
			e.stats.ordersEvicted.Add(1)
		} else {
			e.stats.ordersCanceled.Add(1)
		}
	}
}

// =============================================================================
// 事件发布
// =============================================================================

// OnEvent 注册事件处理器
// 【支持多订阅者】可以注册多个 handler
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// OnEventSink 注册持久化 sink (如 outbox)
// sink 先于普通 handler 执行；返回错误时引擎停机，之后的事件不再分发，
// 重启后由 WAL 重放补齐
func (e *Engine) OnEventSink(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Err 停机原因，未停机返回 nil
func (e *Engine) Err() error {
	select {
	case <-e.haltCh:
		return e.haltErr
	default:
		return nil
	}
}

// Halted 停机通知
func (e *Engine) Halted() <-chan struct{} {
	return e.haltCh
}

func (e *Engine) halt(err error) {
	e.haltOnce.Do(func() {
		e.haltErr = fmt.Errorf("%w: %w", ErrEngineHalted, err)
		close(e.haltCh)
		log.Printf("[Engine] %s halted: %v", e.config.Market.Symbol, err)
	})
}

// publishCriticalEvent 发布关键事件（阻塞，保证不丢）
func (e *Engine) publishCriticalEvent(ctx context.Context, event Event) {
	select {
	case e.eventCh <- event:
	case <-e.stopCh:
	case <-e.haltCh:
	case <-ctx.Done():
	}
}

// eventLoop 事件分发循环（独立 goroutine）
// 【异步】从 eventCh 读取事件，分发到所有 handler
// 停止时把队列中剩余的事件分发完
func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case <-e.haltCh:
			return

		case <-e.stopCh:
			for {
				select {
				case event := <-e.eventCh:
					e.dispatchEvent(event)
				default:
					return
				}
			}

		case event := <-e.eventCh:
			e.dispatchEvent(event)
		}
	}
}

// dispatchEvent 分发事件到所有 sink 和 handler
func (e *Engine) dispatchEvent(event Event) {
	if e.Err() != nil {
		return
	}

	e.mu.RLock()
	sinks, handlers := e.sinks, e.handlers
	e.mu.RUnlock()

	for _, s := range sinks {
		if err := s(event); err != nil {
			e.halt(fmt.Errorf("event %d/%d: %w", event.MarketID, event.Seq, err))
			return
		}
	}
	for _, h := range handlers {
		h(event)
	}
}

// =============================================================================
// 查询方法
// =============================================================================

// GetOrderBook 获取订单簿（用于查询快照）
func (e *Engine) GetOrderBook() *OrderBook {
	return e.orderBook
}

// GetStats 获取统计信息
func (e *Engine) GetStats() EngineStats {
	return EngineStats{
		CommandsReceived: e.stats.commandsReceived.Load(),
		CommandsFailed:   e.stats.commandsFailed.Load(),
		OrdersPlaced:     e.stats.ordersPlaced.Load(),
		TradesExecuted:   e.stats.tradesExecuted.Load(),
		OrdersCanceled:   e.stats.ordersCanceled.Load(),
		OrdersEvicted:    e.stats.ordersEvicted.Load(),
	}
}

// GetDepth 获取深度
func (e *Engine) GetDepth(n int) (bids, asks []DepthLevel) {
	return e.orderBook.Depth(n)
}
