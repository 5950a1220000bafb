// 文件: pkg/events/relay.go
// Outbox 投递器
//
// 定时从 outbox 读取未确认事件，按顺序投递到每个 Sink。
// 某条事件投递失败就停在这里，下一轮从它重试，保证同一市场内的顺序。
// 所有 sink 都成功后才 Ack，因此是至少一次投递。

package events

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"clob.com/pkg/kafka"
)

// Sink 事件投递目标
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// RelayConfig 投递器配置
type RelayConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// DefaultRelayConfig 默认配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:  250 * time.Millisecond,
		BatchSize: 256,
	}
}

// Relay outbox → sinks
type Relay struct {
	outbox *Outbox
	sinks  []Sink
	cfg    RelayConfig

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewRelay 创建投递器
func NewRelay(outbox *Outbox, cfg RelayConfig, sinks ...Sink) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRelayConfig().Interval
	}
	return &Relay{outbox: outbox, sinks: sinks, cfg: cfg}
}

// Run 阻塞运行直到 ctx 取消，退出前再投递一轮
func (r *Relay) Run(ctx context.Context) {
	log.Printf("[Relay] started with %d sinks", len(r.sinks))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Flush(flushCtx); err != nil {
				log.Printf("[Relay] final flush: %v", err)
			}
			cancel()
			log.Printf("[Relay] stopped, delivered=%d", r.delivered.Load())
			return

		case <-ticker.C:
			// 有积压时连续投递
			for {
				n, err := r.Flush(ctx)
				if err != nil {
					log.Printf("[Relay] flush: %v", err)
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// Flush 投递一批，返回成功 Ack 的条数
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.outbox.Pending(r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	var deliverErr error
loop:
	for _, env := range pending {
		for _, s := range r.sinks {
			if err := s.Deliver(ctx, env); err != nil {
				r.failed.Add(1)
				deliverErr = fmt.Errorf("sink %s event %d/%d: %w", s.Name(), env.Event.MarketID, env.Event.Seq, err)
				break loop
			}
		}
		done++
	}

	if done > 0 {
		if err := r.outbox.Ack(pending[:done]...); err != nil {
			return 0, fmt.Errorf("ack: %w", err)
		}
		r.delivered.Add(int64(done))
	}
	return done, deliverErr
}

// RelayStats 统计
type RelayStats struct {
	Delivered int64
	Failed    int64
}

// Stats 统计信息
func (r *Relay) Stats() RelayStats {
	return RelayStats{Delivered: r.delivered.Load(), Failed: r.failed.Load()}
}

// =============================================================================
// Sinks
// =============================================================================

// KafkaSink 投递到 Kafka (需同步模式的生产者)
type KafkaSink struct {
	producer *kafka.Producer
}

// NewKafkaSink 创建 Kafka sink
func NewKafkaSink(p *kafka.Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(_ context.Context, env Envelope) error {
	return s.producer.Send(env)
}

// NATS 的 sink 见 nats.Publisher

// LogSink 只打日志，未配置 Kafka / NATS 时使用
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, env Envelope) error {
	log.Printf("[Relay] %s market=%d seq=%d order=%s", env.Event.Type, env.Event.MarketID, env.Event.Seq, env.Event.OrderID)
	return nil
}
