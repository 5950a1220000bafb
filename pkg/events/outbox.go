// 文件: pkg/events/outbox.go
// 事件 outbox (pebble)
//
// 引擎产生的事件先落到本地 outbox，再由 Relay 异步投递到 Kafka / NATS。
// 投递成功后 Ack 删除。
//
// 键:
//   evt/<market:020d>/<seq:020d>  → Envelope JSON
//   seq/<market:020d>             → 已写入的最大 seq
//
// 引擎重启时会重放 WAL 并补发全部事件，seq 水位以下的事件直接丢弃。
// 每个市场的 seq 必须从水位 +1 连续写入，出现空洞整批拒绝。

package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"clob.com/pkg/mtrade"
)

var (
	ErrOutboxClosed = errors.New("events: outbox closed")
	ErrOutboxGap    = errors.New("events: outbox seq gap")
)

// 写入失败时的重试
const (
	appendAttempts = 3
	appendBackoff  = 50 * time.Millisecond
)

// OutboxConfig outbox 配置
type OutboxConfig struct {
	Dir  string `yaml:"dir"`
	Sync bool   `yaml:"sync"` // 每批写入 fsync
}

// DefaultOutboxConfig 默认配置
func DefaultOutboxConfig(dir string) OutboxConfig {
	return OutboxConfig{Dir: dir, Sync: true}
}

// Outbox 本地事件 outbox
type Outbox struct {
	db *pebble.DB
	wo *pebble.WriteOptions

	mu     sync.Mutex
	marks  map[uint64]uint64 // market → 已写入的最大 seq
	closed bool
}

// OpenOutbox 打开 outbox
func OpenOutbox(cfg OutboxConfig) (*Outbox, error) {
	db, err := pebble.Open(cfg.Dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", cfg.Dir, err)
	}
	wo := pebble.NoSync
	if cfg.Sync {
		wo = pebble.Sync
	}
	return &Outbox{db: db, wo: wo, marks: make(map[uint64]uint64)}, nil
}

// Close 关闭
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.db.Close()
}

// =============================================================================
// 写入
// =============================================================================

// Append 批量写入事件，seq 不超过水位的事件被跳过，
// 超过水位 +1 的返回 ErrOutboxGap，整批不写入
// 返回实际写入的条数
func (o *Outbox) Append(evs ...mtrade.Event) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrOutboxClosed
	}

	batch := o.db.NewBatch()
	defer batch.Close()

	marks := make(map[uint64]uint64)
	n := 0
	for _, e := range evs {
		mark, ok := marks[e.MarketID]
		if !ok {
			var err error
			if mark, err = o.watermark(e.MarketID); err != nil {
				return 0, err
			}
		}
		if e.Seq <= mark {
			continue
		}
		if e.Seq != mark+1 {
			return 0, fmt.Errorf("%w: market %d seq %d after %d", ErrOutboxGap, e.MarketID, e.Seq, mark)
		}

		data, err := json.Marshal(NewEnvelope(e))
		if err != nil {
			return 0, fmt.Errorf("encode event %d/%d: %w", e.MarketID, e.Seq, err)
		}
		if err := batch.Set(eventKey(e.MarketID, e.Seq), data, nil); err != nil {
			return 0, err
		}
		marks[e.MarketID] = e.Seq
		n++
	}
	if n == 0 {
		return 0, nil
	}

	for market, seq := range marks {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], seq)
		if err := batch.Set(markKey(market), v[:], nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(o.wo); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	for market, seq := range marks {
		o.marks[market] = seq
	}
	return n, nil
}

// Sink 作为引擎的持久化 sink，写入失败重试几次后返回错误，引擎随之停机
func (o *Outbox) Sink() mtrade.EventSink {
	return func(e mtrade.Event) error {
		var err error
		for i := 0; i < appendAttempts; i++ {
			if _, err = o.Append(e); err == nil {
				return nil
			}
			if errors.Is(err, ErrOutboxClosed) || errors.Is(err, ErrOutboxGap) {
				break
			}
			time.Sleep(appendBackoff)
		}
		return fmt.Errorf("outbox append %d/%d: %w", e.MarketID, e.Seq, err)
	}
}

// Watermark 已写入的最大 seq
func (o *Outbox) Watermark(market uint64) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watermark(market)
}

func (o *Outbox) watermark(market uint64) (uint64, error) {
	if seq, ok := o.marks[market]; ok {
		return seq, nil
	}
	val, closer, err := o.db.Get(markKey(market))
	if errors.Is(err, pebble.ErrNotFound) {
		o.marks[market] = 0
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt watermark for market %d", market)
	}
	seq := binary.BigEndian.Uint64(val)
	o.marks[market] = seq
	return seq, nil
}

// =============================================================================
// 读取 / 确认
// =============================================================================

// Pending 按 (market, seq) 顺序返回最多 limit 条未确认事件
func (o *Outbox) Pending(limit int) ([]Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOutboxClosed
	}

	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt/~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Envelope
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var env Envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return out, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, env)
	}
	return out, iter.Error()
}

// Ack 删除已投递的事件
func (o *Outbox) Ack(envs ...Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}

	batch := o.db.NewBatch()
	defer batch.Close()
	for _, env := range envs {
		if err := batch.Delete(eventKey(env.Event.MarketID, env.Event.Seq), nil); err != nil {
			return err
		}
	}
	return batch.Commit(o.wo)
}

// =============================================================================
// Helpers
// =============================================================================

func eventKey(market, seq uint64) []byte {
	return []byte(fmt.Sprintf("evt/%020d/%020d", market, seq))
}

func markKey(market uint64) []byte {
	return []byte(fmt.Sprintf("seq/%020d", market))
}
