// 文件: pkg/kafka/producer.go
// 订单簿事件的 Kafka 生产者
//
// 两种模式:
// - 同步: 等 broker 确认后返回，outbox relay 使用 (确认后才能 Ack)
// - 异步: 只投递到发送队列，错误在后台统计

package kafka

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// =============================================================================
// Message 接口 - 所有消息类型需实现
// =============================================================================

// Message 通用消息接口
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key (相同 key 保证顺序)
	Value() ([]byte, error) // 消息体 (序列化后的数据)
}

var ErrProducerClosed = errors.New("kafka: producer is closed")

// =============================================================================
// Producer 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string      `yaml:"brokers"`
	RequiredAcks   int           `yaml:"required_acks"` // 0=不等待, 1=leader确认, -1=全部确认
	Compression    string        `yaml:"compression"`   // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration `yaml:"flush_frequency"`
	FlushMessages  int           `yaml:"flush_messages"`
	MaxRetries     int           `yaml:"max_retries"`
	Sync           bool          `yaml:"sync"` // 同步发送
}

// DefaultProducerConfig 默认配置
// 事件流要求不丢，默认同步 + 全部确认
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   -1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     5,
		Sync:           true,
	}
}

// saramaConfig 转换成 sarama 配置
func (cfg ProducerConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()

	// 确认模式
	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	// 压缩方式
	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries

	// 同一 market 的事件按 key 进同一分区
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Errors = true
	// SyncProducer 要求 Successes = true
	sc.Producer.Return.Successes = cfg.Sync
	return sc
}

// =============================================================================
// Producer 生产者
// =============================================================================

// Producer Kafka 生产者
type Producer struct {
	sp  sarama.SyncProducer
	ap  sarama.AsyncProducer
	cfg ProducerConfig

	// 统计
	sentCount  atomic.Int64
	errorCount atomic.Int64

	// 生命周期
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	p := &Producer{cfg: cfg}
	sc := cfg.saramaConfig()

	if cfg.Sync {
		sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		p.sp = sp
		return p, nil
	}

	ap, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p.ap = ap

	// 启动错误处理
	p.wg.Add(1)
	go p.handleErrors()
	return p, nil
}

// =============================================================================
// 发送接口
// =============================================================================

// Send 发送消息
// 同步模式下返回时 broker 已确认
func (p *Producer) Send(msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return p.SendRaw(msg.Topic(), msg.Key(), data)
}

// SendRaw 发送原始消息
func (p *Producer) SendRaw(topic, key string, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	m := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	if p.sp != nil {
		if _, _, err := p.sp.SendMessage(m); err != nil {
			p.errorCount.Add(1)
			return fmt.Errorf("send %s key=%s: %w", topic, key, err)
		}
	} else {
		p.ap.Input() <- m
	}
	p.sentCount.Add(1)
	return nil
}

// =============================================================================
// 错误处理
// =============================================================================

func (p *Producer) handleErrors() {
	defer p.wg.Done()

	for err := range p.ap.Errors() {
		p.errorCount.Add(1)
		log.Printf("[Kafka] send error: topic=%s, err=%v", err.Msg.Topic, err.Err)
	}
}

// =============================================================================
// 统计与生命周期
// =============================================================================

// ProducerStats 统计信息
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

// Stats 获取统计信息
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil // 已经关闭
	}

	if p.sp != nil {
		return p.sp.Close()
	}
	err := p.ap.Close()
	p.wg.Wait() // 等待错误处理完成
	return err
}
