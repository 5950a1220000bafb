package market

import (
	"sync"
	"sync/atomic"
)

// Broadcaster K 线广播器
// 设计模式：Fan-out（扇出）
//
//	     CandleRoller (生产者)
//	            |
//	            v
//	     [Broadcaster]
//	       /    |    \
//	      v     v     v
//	  Redis   WebSocket  ...
//
// 订阅者处理慢时直接丢弃 (select default)，不拖慢其他订阅者。
type Broadcaster struct {
	// 读多写少：Broadcast 持读锁，Subscribe/Close 持写锁
	mu          sync.RWMutex
	subscribers []chan Candle
	bufSize     int

	dropped atomic.Int64
}

// NewBroadcaster 创建一个新的广播器
func NewBroadcaster(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Broadcaster{bufSize: bufSize}
}

// Subscribe 订阅 K 线
func (b *Broadcaster) Subscribe() <-chan Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Candle, b.bufSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Broadcast 广播到所有订阅者，满了就丢
func (b *Broadcaster) Broadcast(c Candle) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- c:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped 被丢弃的条数
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close 关闭所有订阅者的 Channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		close(ch)
	}
	// 清空列表，避免重复关闭
	b.subscribers = nil
}
