// 文件: pkg/order/consumer.go
// 订单历史消费者 - 从 Kafka 读取订单簿事件，批量写入历史

package order

import (
	"context"
	"log"

	"github.com/IBM/sarama"

	"clob.com/pkg/events"
	"clob.com/pkg/kafka"
	"clob.com/pkg/mtrade"
)

// HistoryConsumer Kafka → HistoryService
type HistoryConsumer struct {
	service  *HistoryService
	consumer *kafka.Consumer
}

// NewHistoryConsumer 创建消费者
func NewHistoryConsumer(service *HistoryService, cfg kafka.ConsumerConfig) (*HistoryConsumer, error) {
	hc := &HistoryConsumer{service: service}

	consumer, err := kafka.NewConsumer(cfg, hc.handleBatch)
	if err != nil {
		return nil, err
	}
	hc.consumer = consumer
	return hc, nil
}

// Start 启动消费
func (c *HistoryConsumer) Start(ctx context.Context) {
	c.consumer.Start(ctx)
}

// Stop 停止消费
func (c *HistoryConsumer) Stop() error {
	return c.consumer.Stop()
}

// handleBatch 解析一批消息并应用
// 解析失败的消息跳过 (重试也不会成功)，写库失败整批重试
func (c *HistoryConsumer) handleBatch(ctx context.Context, msgs []*sarama.ConsumerMessage) error {
	evs := decodeBatch(msgs)
	if len(evs) == 0 {
		return nil
	}
	n, err := c.service.Apply(ctx, evs)
	if err != nil {
		return err
	}
	if n < len(evs) {
		log.Printf("[History] applied %d of %d events, rest already aggregated", n, len(evs))
	}
	return nil
}

func decodeBatch(msgs []*sarama.ConsumerMessage) []mtrade.Event {
	evs := make([]mtrade.Event, 0, len(msgs))
	for _, msg := range msgs {
		env, err := events.Decode(msg.Value)
		if err != nil {
			log.Printf("[History] skip offset %d: %v", msg.Offset, err)
			continue
		}
		evs = append(evs, env.Event)
	}
	return evs
}
