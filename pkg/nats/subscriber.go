// 文件: pkg/nats/subscriber.go
// 订单簿事件订阅
//
// 消息体是 events.Envelope 的 JSON，解析失败的消息计数后丢弃。
// Core NATS 不保证送达，需要完整历史的消费者走 Kafka。

package nats

import (
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"clob.com/pkg/events"
	"clob.com/pkg/mtrade"
)

const drainTimeout = 5 * time.Second

// EventHandler 处理一条事件
type EventHandler func(env events.Envelope) error

// Subscriber 事件订阅者
type Subscriber struct {
	conn    *nats.Conn
	subs    []*nats.Subscription
	handler EventHandler

	received  atomic.Int64
	malformed atomic.Int64
	failed    atomic.Int64
}

// NewSubscriber 创建订阅者
func NewSubscriber(cfg Config, handler EventHandler) (*Subscriber, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		conn:    conn,
		handler: handler,
	}, nil
}

func (s *Subscriber) dispatch(msg *nats.Msg) {
	env, err := events.Decode(msg.Data)
	if err != nil {
		s.malformed.Add(1)
		log.Printf("[NATS] drop malformed message: subject=%s, err=%v", msg.Subject, err)
		return
	}
	s.received.Add(1)
	if err := s.handler(env); err != nil {
		s.failed.Add(1)
		log.Printf("[NATS] handle %s %d/%d: %v", env.Event.Type, env.Event.MarketID, env.Event.Seq, err)
	}
}

// Subjects 市场 market 的这些事件类型对应的 subject，market 为 0 时匹配全部市场
func Subjects(market uint64, types ...mtrade.EventType) []string {
	m := "*"
	if market != 0 {
		m = strconv.FormatUint(market, 10)
	}
	if len(types) == 0 {
		return []string{events.SubjectPrefix + "." + m + ".*"}
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, events.SubjectFor(m, t))
	}
	return out
}

// Subscribe 订阅事件，不传类型时订阅全部类型
func (s *Subscriber) Subscribe(market uint64, types ...mtrade.EventType) error {
	for _, subject := range Subjects(market, types...) {
		sub, err := s.conn.Subscribe(subject, s.dispatch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// SubscribeQueue 队列订阅，同组内每条事件只交给一个实例
func (s *Subscriber) SubscribeQueue(queue string, market uint64, types ...mtrade.EventType) error {
	for _, subject := range Subjects(market, types...) {
		sub, err := s.conn.QueueSubscribe(subject, queue, s.dispatch)
		if err != nil {
			return fmt.Errorf("queue subscribe %s/%s: %w", subject, queue, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// SubscriberStats 统计
type SubscriberStats struct {
	Received  int64
	Malformed int64
	Failed    int64
}

func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Received:  s.received.Load(),
		Malformed: s.malformed.Load(),
		Failed:    s.failed.Load(),
	}
}

// Close 停止接收，等已收到的消息处理完后返回
func (s *Subscriber) Close() error {
	s.subs = nil
	if err := s.conn.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	deadline := time.Now().Add(drainTimeout)
	for s.conn.IsDraining() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
