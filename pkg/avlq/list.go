package avlq

// =============================================================================
// 价位队列 (FIFO)
// =============================================================================

// pushTail 追加到队尾 (普通下单)
func (q *Queue[V]) pushTail(tid, lid NodeID) {
	t := q.tw(tid)
	l := q.lw(lid)
	l.next = link{id: tid, toTree: true}
	if t.tail == 0 {
		l.prev = link{id: tid, toTree: true}
		t.head, t.tail = lid, lid
		return
	}
	old := t.tail
	q.lw(old).next = link{id: lid}
	l.prev = link{id: old}
	t.tail = lid
}

// pushHead 插到队首 (保留时间优先级的重新插入)
func (q *Queue[V]) pushHead(tid, lid NodeID) {
	t := q.tw(tid)
	l := q.lw(lid)
	l.prev = link{id: tid, toTree: true}
	if t.head == 0 {
		l.next = link{id: tid, toTree: true}
		t.head, t.tail = lid, lid
		return
	}
	old := t.head
	q.lw(old).prev = link{id: lid}
	l.next = link{id: old}
	t.head = lid
}

// unlink 从所属队列摘除，O(1)。返回队列是否因此变空
func (q *Queue[V]) unlink(lid NodeID) bool {
	l := q.lists[lid]

	if l.prev.toTree {
		t := q.tw(l.prev.id)
		if l.next.toTree {
			t.head = 0
		} else {
			t.head = l.next.id
		}
	} else {
		q.lw(l.prev.id).next = l.next
	}

	if l.next.toTree {
		t := q.tw(l.next.id)
		if l.prev.toTree {
			t.tail = 0
		} else {
			t.tail = l.prev.id
		}
	} else {
		q.lw(l.next.id).prev = l.prev
	}

	return l.prev.toTree && l.next.toTree
}
