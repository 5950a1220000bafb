// 文件: pkg/events/envelope.go
// 订单簿事件的传输封装
//
// 同一 (market, seq) 的事件无论重放多少次 ID 都相同，下游按 ID 或 (market, seq) 去重。

package events

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"clob.com/pkg/mtrade"
)

// TopicEvents Kafka topic，按 market 分区
const TopicEvents = "clob.events"

// SubjectPrefix NATS subject 前缀: clob.events.<market>.<type>
const SubjectPrefix = "clob.events"

// namespace 事件 ID 的 UUIDv5 命名空间
var namespace = uuid.MustParse("6f1c2b3e-5d4a-4e8b-9c7f-0a1b2c3d4e5f")

// Envelope 一条待投递的事件
type Envelope struct {
	ID    uuid.UUID    `json:"id"`
	Event mtrade.Event `json:"event"`
}

// NewEnvelope 封装事件
func NewEnvelope(e mtrade.Event) Envelope {
	return Envelope{ID: EventID(e.MarketID, e.Seq), Event: e}
}

// EventID 由 (market, seq) 确定的事件 ID
func EventID(market, seq uint64) uuid.UUID {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(market >> (56 - 8*i))
		b[8+i] = byte(seq >> (56 - 8*i))
	}
	return uuid.NewSHA1(namespace, b[:])
}

// Topic 实现 kafka.Message
func (e Envelope) Topic() string { return TopicEvents }

// Key 同一市场进同一分区，保证顺序
func (e Envelope) Key() string { return strconv.FormatUint(e.Event.MarketID, 10) }

// Value JSON 编码
func (e Envelope) Value() ([]byte, error) { return json.Marshal(e) }

// Subject NATS subject
func (e Envelope) Subject() string {
	return fmt.Sprintf("%s.%d.%s", SubjectPrefix, e.Event.MarketID, e.Event.Type)
}

// SubjectFor 订阅某类事件，market 为 "*" 时订阅全部市场
func SubjectFor(market string, t mtrade.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, market, t)
}

// Decode 解析 Kafka / NATS 消息体
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Event.Type == 0 {
		return Envelope{}, fmt.Errorf("decode envelope %s: missing event type", e.ID)
	}
	return e, nil
}
