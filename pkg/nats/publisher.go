// 文件: pkg/nats/publisher.go
// NATS 消息发布者
// 实时推送订单簿事件，下游 (K线、行情) 订阅 clob.events.<market>.<type>

package nats

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"clob.com/pkg/events"
)

// Config 连接配置
type Config struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultConfig 默认配置
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "clob",
		MaxReconnects: -1, // 无限重连
		ReconnectWait: 2 * time.Second,
	}
}

// connect 建立连接，断线重连打日志
func connect(cfg Config) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[NATS] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Publisher NATS 发布者，同时是 outbox 投递器的 sink
type Publisher struct {
	conn *nats.Conn
}

var _ events.Sink = (*Publisher)(nil)

// NewPublisher 创建发布者
func NewPublisher(cfg Config) (*Publisher, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn}, nil
}

func (p *Publisher) Name() string { return "nats" }

// Deliver 发布到 clob.events.<market>.<type>
func (p *Publisher) Deliver(_ context.Context, env events.Envelope) error {
	data, err := env.Value()
	if err != nil {
		return fmt.Errorf("encode event %d/%d: %w", env.Event.MarketID, env.Event.Seq, err)
	}
	return p.conn.Publish(env.Subject(), data)
}

// Flush 等服务器确认已收到之前发布的消息
func (p *Publisher) Flush(timeout time.Duration) error {
	return p.conn.FlushTimeout(timeout)
}

// Close 发完缓冲区后关闭
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
