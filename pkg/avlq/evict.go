package avlq

// =============================================================================
// 淘汰策略 (Eviction)
// =============================================================================
//
// 树高超过临界高度后，新订单只有优于当前全局队尾时才能插入，
// 插入后队尾被淘汰并交还调用方。树高因此有上界，
// 后续每次操作的成本不受恶意挂单数量影响。

// MaxCriticalHeight 临界高度上限
// 2^14-1 个节点的 AVL 树最高 18 层
const MaxCriticalHeight = 18

// Evicted 被淘汰的订单
type Evicted[V any] struct {
	AccessKey AccessKey
	Value     V
}

// InsertCheckEviction 带淘汰检查的插入
//
//   - 插入后树高不超过 criticalHeight 且节点充足：普通插入
//   - 新订单会成为全局队尾：返回 ErrPriorityTooLow，队列不变
//   - 否则插入，并淘汰原队尾 (节点耗尽时先淘汰再插入)
func (q *Queue[V]) InsertCheckEviction(key uint32, v V, criticalHeight uint8) (AccessKey, *Evicted[V], error) {
	if criticalHeight > MaxCriticalHeight {
		return 0, nil, ErrInvalidHeight
	}
	if q.size == 0 {
		k, err := q.Insert(key, v)
		return k, nil, err
	}

	match, parent, _ := q.search(key)
	height := q.Height()
	if match == 0 && q.insertGrowsHeight(parent) {
		height++
	}
	exhausted := !q.listAvailable() || (match == 0 && !q.treeAvailable())

	if height <= criticalHeight && !exhausted {
		k, err := q.Insert(key, v)
		return k, nil, err
	}

	// 同价位排在队尾之后，也算队尾
	if !q.better(key, q.tail.key) {
		return 0, nil, ErrPriorityTooLow
	}

	var evicted *Evicted[V]
	if exhausted {
		evicted = q.evictTail()
	}

	k, err := q.Insert(key, v)
	if err != nil {
		return 0, nil, err
	}

	if evicted == nil && q.Height() > criticalHeight {
		evicted = q.evictTail()
	}
	return k, evicted, nil
}

func (q *Queue[V]) evictTail() *Evicted[V] {
	k, v, err := q.PopTail()
	if err != nil {
		return nil
	}
	return &Evicted[V]{AccessKey: k, Value: v}
}
