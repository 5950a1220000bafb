// 文件: pkg/kafka/consumer.go
// Kafka 消费者组
//
// 特点:
// - 处理成功后才标记 offset (至少一次)
// - 处理失败按退避重试，不跳过消息
// - 优雅关闭

package kafka

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// =============================================================================
// Consumer 配置
// =============================================================================

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string      `yaml:"brokers"`
	GroupID       string        `yaml:"group_id"`
	Topics        []string      `yaml:"topics"`
	OffsetInitial int64         `yaml:"offset_initial"` // -1=newest, -2=oldest
	RetryBackoff  time.Duration `yaml:"retry_backoff"`  // 处理失败后的重试间隔
}

// DefaultConsumerConfig 默认配置
// 历史聚合要从头消费，默认 oldest
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetOldest,
		RetryBackoff:  time.Second,
	}
}

// =============================================================================
// MessageHandler 消息处理器
// =============================================================================

// MessageHandler 批量消息处理函数
// 返回 nil 后这一批的 offset 才会提交
type MessageHandler func(ctx context.Context, msgs []*sarama.ConsumerMessage) error

// =============================================================================
// Consumer 消费者
// =============================================================================

// Consumer Kafka 消费者组
type Consumer struct {
	client  sarama.ConsumerGroup
	config  ConsumerConfig
	handler MessageHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = cfg.OffsetInitial
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
	}, nil
}

// Start 启动消费
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// 加入消费者组，rebalance 后返回
			handler := &consumerGroupHandler{handler: c.handler, backoff: c.config.RetryBackoff}
			if err := c.client.Consume(ctx, c.config.Topics, handler); err != nil {
				log.Printf("[Kafka] consume error: %v", err)
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.client.Close()
}

// =============================================================================
// Sarama ConsumerGroupHandler 实现
// =============================================================================

// maxBatch 单批最多消息数
const maxBatch = 256

type consumerGroupHandler struct {
	handler MessageHandler
	backoff time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		batch, ok := h.collect(ctx, claim.Messages())
		if len(batch) > 0 {
			if err := h.process(ctx, batch); err != nil {
				return err
			}
			// 标记最后一条即可
			session.MarkMessage(batch[len(batch)-1], "")
		}
		if !ok {
			return nil
		}
	}
}

// collect 阻塞等第一条，然后把已到达的消息凑成一批
func (h *consumerGroupHandler) collect(ctx context.Context, ch <-chan *sarama.ConsumerMessage) ([]*sarama.ConsumerMessage, bool) {
	var batch []*sarama.ConsumerMessage
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, false
		}
		batch = append(batch, msg)
	case <-ctx.Done():
		return nil, false
	}

	for len(batch) < maxBatch {
		select {
		case msg, ok := <-ch:
			if !ok {
				return batch, false
			}
			batch = append(batch, msg)
		default:
			return batch, true
		}
	}
	return batch, true
}

// process 失败时重试直到成功或会话结束
func (h *consumerGroupHandler) process(ctx context.Context, batch []*sarama.ConsumerMessage) error {
	for {
		err := h.handler(ctx, batch)
		if err == nil {
			return nil
		}
		last := batch[len(batch)-1]
		log.Printf("[Kafka] handle error: topic=%s, partition=%d, offset=%d, err=%v",
			last.Topic, last.Partition, last.Offset, err)

		select {
		case <-time.After(h.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
