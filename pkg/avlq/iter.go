package avlq

// ForEach 按优先级 (价格优先、时间优先) 遍历订单，fn 返回 false 停止
// 遍历期间不能修改队列
func (q *Queue[V]) ForEach(fn func(k AccessKey, v V) bool) {
	forward := q.Ascending()
	for tid := q.extreme(q.root, forward); tid != 0; tid = q.step(tid, forward) {
		t := &q.trees[tid]
		for lid := t.head; lid != 0; {
			k, err := EncodeAccessKey(tid, lid, forward, t.key)
			if err != nil || !fn(k, q.values[lid]) {
				return
			}
			next := q.lists[lid].next
			if next.toTree {
				break
			}
			lid = next.id
		}
	}
}

// ForEachLevel 按优先级遍历价位，fn 收到价格和该价位全部 payload (队列顺序)
func (q *Queue[V]) ForEachLevel(fn func(key uint32, values []V) bool) {
	forward := q.Ascending()
	var buf []V
	for tid := q.extreme(q.root, forward); tid != 0; tid = q.step(tid, forward) {
		t := &q.trees[tid]
		buf = buf[:0]
		for lid := t.head; lid != 0; {
			buf = append(buf, q.values[lid])
			next := q.lists[lid].next
			if next.toTree {
				break
			}
			lid = next.id
		}
		if !fn(t.key, buf) {
			return
		}
	}
}

// Keys 按优先级返回所有价位
func (q *Queue[V]) Keys() []uint32 {
	keys := make([]uint32, 0, q.levels)
	forward := q.Ascending()
	for tid := q.extreme(q.root, forward); tid != 0; tid = q.step(tid, forward) {
		keys = append(keys, q.trees[tid].key)
	}
	return keys
}
