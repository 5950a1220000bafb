package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clob.com/pkg/asset"
	"clob.com/pkg/avlq"
	"clob.com/pkg/config"
	"clob.com/pkg/events"
	"clob.com/pkg/kafka"
	"clob.com/pkg/market"
	"clob.com/pkg/mtrade"
	"clob.com/pkg/nats"
)

// =============================================================================
// 撮合模拟
// =============================================================================
//
// 随机用户不停下限价单、市价单、撤单、改量：
//   Engine ──WAL──► OrderBook ──事件──► Outbox(pebble) ──Relay──► Kafka / NATS / 日志
// 订单簿快照定期写入 Redis。

const numUsers = 50

func main() {
	configPath := flag.String("config", "", "YAML 配置文件")
	duration := flag.Duration("duration", 0, "运行时长，0 表示直到收到信号")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *duration)
		defer stop()
	}

	// 1. 事件 outbox
	// -------------------------------------------------------------------------
	outbox, err := events.OpenOutbox(cfg.Outbox)
	if err != nil {
		log.Fatalf("open outbox: %v", err)
	}
	defer outbox.Close()

	sinks, closeSinks := buildSinks(cfg)
	defer closeSinks()
	relay := events.NewRelay(outbox, cfg.Relay, sinks...)

	// 2. 撮合引擎
	// -------------------------------------------------------------------------
	ids, err := asset.NewFillIDGenerator(cfg.NodeID)
	if err != nil {
		log.Fatalf("fill id generator: %v", err)
	}
	ledger := asset.NewManager(ids)

	engine, err := mtrade.NewEngine(cfg.EngineConfig(), ledger)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	engine.OnEventSink(outbox.Sink())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	engine.Start(ctx)
	log.Printf("✅ engine %s started", cfg.Market.Symbol)

	// 3. 订单簿快照 → Redis
	// -------------------------------------------------------------------------
	if cfg.Redis.Addr != "" {
		cache := market.NewCache(cfg.Redis)
		defer cache.Close()
		if err := cache.Ping(ctx); err != nil {
			log.Printf("⚠️ redis unavailable: %v", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				publishBook(ctx, cache, engine)
			}()
		}
	}

	// 4. 模拟流量
	// -------------------------------------------------------------------------
	sim := newSimulator(engine, cfg.Market.ID)
	if err := sim.fund(ctx); err != nil {
		log.Fatalf("fund users: %v", err)
	}
	sim.run(ctx)

	log.Println("🛑 shutting down...")
	cancel()
	engine.Stop()
	wg.Wait()

	s := engine.GetStats()
	rs := relay.Stats()
	log.Printf("commands=%d failed=%d placed=%d trades=%d canceled=%d evicted=%d",
		s.CommandsReceived, s.CommandsFailed, s.OrdersPlaced, s.TradesExecuted, s.OrdersCanceled, s.OrdersEvicted)
	log.Printf("relay delivered=%d failed=%d, fees collected=%d",
		rs.Delivered, rs.Failed, ledger.FeesCollected(cfg.Market.ID))
	if err := engine.Err(); err != nil {
		log.Printf("❌ %v, restart to replay the WAL", err)
	}
}

// buildSinks 按配置启用 Kafka / NATS，都没配置时只打日志
func buildSinks(cfg *config.Config) ([]events.Sink, func()) {
	var sinks []events.Sink
	var closers []func()

	if len(cfg.Kafka.Brokers) > 0 {
		p, err := kafka.NewProducer(cfg.ProducerConfig())
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		sinks = append(sinks, events.NewKafkaSink(p))
		closers = append(closers, func() { p.Close() })
	}
	if cfg.NATS.URL != "" {
		p, err := nats.NewPublisher(cfg.NATS)
		if err != nil {
			log.Fatalf("nats publisher: %v", err)
		}
		sinks = append(sinks, p)
		closers = append(closers, p.Close)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, events.LogSink{})
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

func publishBook(ctx context.Context, cache *market.Cache, engine *mtrade.Engine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.PutBook(ctx, engine.GetOrderBook().GetSnapshot()); err != nil && ctx.Err() == nil {
				log.Printf("[Cache] put book: %v", err)
			}
		}
	}
}

// =============================================================================
// 随机下单
// =============================================================================

type simulator struct {
	engine *mtrade.Engine
	market uint64
	rng    *rand.Rand
	mid    uint64

	// 每个用户最近挂出的订单
	resting map[int64][]mtrade.OrderID
}

func newSimulator(engine *mtrade.Engine, market uint64) *simulator {
	return &simulator{
		engine:  engine,
		market:  market,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		mid:     50000,
		resting: make(map[int64][]mtrade.OrderID),
	}
}

func (s *simulator) fund(ctx context.Context) error {
	for u := int64(1); u <= numUsers; u++ {
		_, err := s.engine.Submit(ctx, mtrade.Command{
			Type: mtrade.CmdDeposit, User: u, Base: 1 << 32, Quote: 1 << 50,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *simulator) run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.engine.Halted():
			return
		case <-ticker.C:
			s.step(ctx)
		}
	}
}

func (s *simulator) step(ctx context.Context) {
	// 中间价随机游走
	s.mid = uint64(int64(s.mid) + s.rng.Int63n(21) - 10)
	user := s.rng.Int63n(numUsers) + 1

	var cmd mtrade.Command
	switch r := s.rng.Intn(100); {
	case r < 60:
		cmd = s.limit(user)
	case r < 75:
		cmd = s.marketOrder(user)
	case r < 90:
		id, ok := s.pick(user)
		if !ok {
			return
		}
		cmd = mtrade.Command{Type: mtrade.CmdCancel, User: user, OrderID: id}
	default:
		id, ok := s.pick(user)
		if !ok {
			return
		}
		cmd = mtrade.Command{Type: mtrade.CmdChangeSize, User: user, OrderID: id, Size: uint64(s.rng.Intn(20) + 1)}
	}

	r, err := s.engine.Submit(ctx, cmd)
	switch {
	case err == nil:
		if r.Result.Posted || cmd.Type == mtrade.CmdChangeSize {
			s.resting[user] = append(s.resting[user], r.OrderID)
		}
	case errors.Is(err, context.Canceled), errors.Is(err, mtrade.ErrEngineStopped),
		errors.Is(err, mtrade.ErrEngineHalted):
	case errors.Is(err, mtrade.ErrSelfTrade), errors.Is(err, mtrade.ErrOrderNotFound),
		errors.Is(err, mtrade.ErrPostOrAbortCrossed):
		// 随机流量里常见
	default:
		log.Printf("[Sim] %s user %d: %v", cmd.Type, user, err)
	}
}

func (s *simulator) side() mtrade.Side {
	if s.rng.Intn(2) == 0 {
		return mtrade.SideBuy
	}
	return mtrade.SideSell
}

func (s *simulator) limit(user int64) mtrade.Command {
	side := s.side()
	offset := uint64(s.rng.Intn(50))
	price := s.mid - offset
	if side == mtrade.SideSell {
		price = s.mid + offset
	}
	restriction := mtrade.NoRestriction
	switch s.rng.Intn(10) {
	case 0:
		restriction = mtrade.PostOrAbort
	case 1:
		restriction = mtrade.ImmediateOrCancel
	}
	return mtrade.Command{
		Type:        mtrade.CmdPlaceLimit,
		User:        user,
		Side:        side,
		Size:        uint64(s.rng.Intn(20) + 1),
		Price:       price,
		Restriction: restriction,
	}
}

func (s *simulator) marketOrder(user int64) mtrade.Command {
	side := s.side()
	cmd := mtrade.Command{Type: mtrade.CmdPlaceMarket, User: user, Side: side}
	if side == mtrade.SideBuy {
		cmd.MaxBase = uint64(s.rng.Intn(10) + 1)
		cmd.MaxQuote = cmd.MaxBase * (s.mid + 100) * 2
		cmd.Price = avlq.MaxKey
	} else {
		cmd.MaxBase = uint64(s.rng.Intn(10) + 1)
		cmd.MaxQuote = 1 << 50
		cmd.Price = 1
	}
	return cmd
}

// pick 取出用户的一个挂单 (可能已经成交，撤单失败也无妨)
func (s *simulator) pick(user int64) (mtrade.OrderID, bool) {
	ids := s.resting[user]
	if len(ids) == 0 {
		return mtrade.OrderID{}, false
	}
	i := s.rng.Intn(len(ids))
	id := ids[i]
	s.resting[user] = append(ids[:i], ids[i+1:]...)
	return id, true
}
