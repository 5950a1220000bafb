package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"clob.com/pkg/config"
	"clob.com/pkg/market"
	"clob.com/pkg/mtrade"
	"clob.com/pkg/nats"
	"clob.com/pkg/order"
)

// =============================================================================
// 下游聚合
// =============================================================================
//
//   Kafka clob.events ──► HistoryConsumer ──► MySQL order_history
//   NATS clob.events.*.fill ──► CandleRoller ──► Broadcaster ──► Redis

func main() {
	configPath := flag.String("config", "", "YAML 配置文件")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	// 1. 订单历史
	// -------------------------------------------------------------------------
	if cfg.MySQL.DSN != "" && len(cfg.Kafka.Brokers) > 0 {
		db, err := order.OpenMySQL(cfg.MySQL.DSN)
		if err != nil {
			log.Fatalf("open mysql: %v", err)
		}
		repo := order.NewMySQLHistoryRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}

		consumer, err := order.NewHistoryConsumer(order.NewHistoryService(repo), cfg.ConsumerConfig())
		if err != nil {
			log.Fatalf("history consumer: %v", err)
		}
		consumer.Start(ctx)
		defer consumer.Stop()
		log.Println("✅ order history consumer started")
	} else {
		log.Println("⚠️ mysql or kafka not configured, order history disabled")
	}

	// 2. K 线
	// -------------------------------------------------------------------------
	// 退出顺序: 停止 NATS 订阅 -> 关闭剩余 K 线 -> 写完 Redis
	stopCandles := func() {}
	if cfg.NATS.URL != "" {
		broadcaster := market.NewBroadcaster(1024)
		roller, err := market.NewCandleRoller(cfg.Candles, broadcaster)
		if err != nil {
			log.Fatalf("candle roller: %v", err)
		}

		sub, err := nats.NewSubscriber(cfg.NATS, roller.HandleEnvelope)
		if err != nil {
			log.Fatalf("nats subscriber: %v", err)
		}
		if err := sub.Subscribe(0, mtrade.EventFill); err != nil {
			log.Fatalf("subscribe: %v", err)
		}

		if cfg.Redis.Addr != "" {
			cache := market.NewCache(cfg.Redis)
			defer cache.Close()
			candles := broadcaster.Subscribe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				cache.Consume(context.Background(), candles)
			}()
		}

		rollerCtx, stopRoller := context.WithCancel(context.Background())
		wg.Add(1)
		go func() {
			defer wg.Done()
			roller.Run(rollerCtx)
			broadcaster.Close()
		}()
		stopCandles = func() {
			if err := sub.Close(); err != nil {
				log.Printf("close nats subscriber: %v", err)
			}
			stopRoller()
			st := sub.Stats()
			log.Printf("📊 fills received=%d malformed=%d failed=%d", st.Received, st.Malformed, st.Failed)
		}
		log.Println("✅ candle roller started")
	}

	<-ctx.Done()
	log.Println("🛑 shutting down...")
	stopCandles()
	wg.Wait()
}
