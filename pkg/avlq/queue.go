// Package avlq 价格-时间优先的订单索引 (AVL queue)
//
// 一棵按价格排序的 AVL 树，每个树节点挂一个 FIFO 订单队列。
// 节点存放在容量固定的节点池中，用 14 位 ID 互相引用，
// 订单以 access key 为句柄，撤单、改单、取队首都是 O(1)。
//
// Queue 不是并发安全的，调用方需保证单线程写 (撮合线程)。
package avlq

// SortOrder 排序方向
type SortOrder int8

const (
	Ascending  SortOrder = iota + 1 // 升序: 队首为最低价 (卖盘)
	Descending                      // 降序: 队首为最高价 (买盘)
)

func (o SortOrder) String() string {
	if o == Ascending {
		return "ASC"
	}
	return "DESC"
}

// cacheEntry 全局队首/队尾缓存
type cacheEntry struct {
	list NodeID
	key  uint32
}

// header 标量状态，事务开始时整体保存
type header struct {
	order SortOrder
	root  NodeID

	freeTreeTop NodeID
	freeListTop NodeID

	head cacheEntry
	tail cacheEntry

	levels int // 活跃树节点 (价位) 数
	size   int // 活跃链表节点 (订单) 数
}

// Queue AVL 队列
type Queue[V any] struct {
	header

	trees  []treeNode
	lists  []listNode
	values []V

	j *journal[V]
}

// New 创建队列
func New[V any](order SortOrder) *Queue[V] {
	if order != Descending {
		order = Ascending
	}
	return &Queue[V]{
		header: header{order: order},
		trees:  make([]treeNode, 1, 64),
		lists:  make([]listNode, 1, 64),
		values: make([]V, 1, 64),
	}
}

func (q *Queue[V]) Order() SortOrder { return q.order }
func (q *Queue[V]) Ascending() bool  { return q.order == Ascending }
func (q *Queue[V]) Len() int         { return q.size }
func (q *Queue[V]) Levels() int      { return q.levels }
func (q *Queue[V]) IsEmpty() bool    { return q.size == 0 }

// better a 的优先级是否严格高于 b
func (q *Queue[V]) better(a, b uint32) bool {
	if q.order == Ascending {
		return a < b
	}
	return a > b
}

// =============================================================================
// 插入
// =============================================================================

// Insert 按价格插入，同价位排到队尾
func (q *Queue[V]) Insert(key uint32, v V) (AccessKey, error) {
	return q.insert(key, v, false)
}

// InsertAtHead 同价位插到队首，用于部分成交订单的重新挂回
func (q *Queue[V]) InsertAtHead(key uint32, v V) (AccessKey, error) {
	return q.insert(key, v, true)
}

func (q *Queue[V]) insert(key uint32, v V, atHead bool) (AccessKey, error) {
	match, parent, left := q.search(key)
	if !q.listAvailable() || (match == 0 && !q.treeAvailable()) {
		return 0, ErrCapacityExceeded
	}

	tid := match
	if tid == 0 {
		tid = q.allocTree(key)
		q.attach(tid, parent, left)
		q.levels++
	}

	lid := q.allocList(tid, v)
	if atHead {
		q.pushHead(tid, lid)
	} else {
		q.pushTail(tid, lid)
	}
	q.size++
	q.cacheInsert(key, lid, atHead)

	return EncodeAccessKey(tid, lid, q.Ascending(), key)
}

func (q *Queue[V]) cacheInsert(key uint32, lid NodeID, atHead bool) {
	entry := cacheEntry{list: lid, key: key}
	if q.size == 1 {
		q.head, q.tail = entry, entry
		return
	}
	if q.better(key, q.head.key) || (atHead && key == q.head.key) {
		q.head = entry
	}
	if q.better(q.tail.key, key) || (!atHead && key == q.tail.key) {
		q.tail = entry
	}
}

// =============================================================================
// 删除
// =============================================================================

// Remove 按 access key 删除订单，返回 payload
func (q *Queue[V]) Remove(k AccessKey) (V, error) {
	tid, lid, err := q.resolve(k)
	if err != nil {
		var zero V
		return zero, err
	}
	return q.removeNode(tid, lid), nil
}

// PopHead 弹出全局队首
func (q *Queue[V]) PopHead() (AccessKey, V, error) {
	return q.pop(q.head)
}

// PopTail 弹出全局队尾
func (q *Queue[V]) PopTail() (AccessKey, V, error) {
	return q.pop(q.tail)
}

func (q *Queue[V]) pop(c cacheEntry) (AccessKey, V, error) {
	var zero V
	if q.size == 0 {
		return 0, zero, ErrEmpty
	}
	tid := q.lists[c.list].tree
	k, err := EncodeAccessKey(tid, c.list, q.Ascending(), c.key)
	if err != nil {
		return 0, zero, err
	}
	return k, q.removeNode(tid, c.list), nil
}

func (q *Queue[V]) removeNode(tid, lid NodeID) V {
	v := q.values[lid]

	emptied := q.unlink(lid)
	if emptied {
		q.detach(tid)
		q.freeTree(tid)
		q.levels--
	}
	q.freeList(lid)
	q.size--

	q.cacheRemove(tid, lid, emptied)
	return v
}

func (q *Queue[V]) cacheRemove(tid, lid NodeID, emptied bool) {
	if q.size == 0 {
		q.head, q.tail = cacheEntry{}, cacheEntry{}
		return
	}
	if q.head.list == lid {
		if emptied {
			t := &q.trees[q.extreme(q.root, q.Ascending())]
			q.head = cacheEntry{list: t.head, key: t.key}
		} else {
			q.head.list = q.trees[tid].head
		}
	}
	if q.tail.list == lid {
		if emptied {
			t := &q.trees[q.extreme(q.root, !q.Ascending())]
			q.tail = cacheEntry{list: t.tail, key: t.key}
		} else {
			q.tail.list = q.trees[tid].tail
		}
	}
}

// =============================================================================
// 查询
// =============================================================================

// resolve 校验 access key 并返回节点 ID
func (q *Queue[V]) resolve(k AccessKey) (tid, lid NodeID, err error) {
	if uint64(k)>>reservedShift != 0 {
		return 0, 0, ErrInvalidHandle
	}
	tid, lid, asc, key := k.Decode()
	if asc != q.Ascending() || tid == 0 || lid == 0 ||
		int(tid) >= len(q.trees) || int(lid) >= len(q.lists) {
		return 0, 0, ErrInvalidHandle
	}
	t, l := &q.trees[tid], &q.lists[lid]
	if !t.active || !l.active || l.tree != tid || t.key != key {
		return 0, 0, ErrInvalidHandle
	}
	return tid, lid, nil
}

// Contains access key 是否指向活跃订单
func (q *Queue[V]) Contains(k AccessKey) bool {
	_, _, err := q.resolve(k)
	return err == nil
}

// Borrow 读取 payload
func (q *Queue[V]) Borrow(k AccessKey) (V, error) {
	_, lid, err := q.resolve(k)
	if err != nil {
		var zero V
		return zero, err
	}
	return q.values[lid], nil
}

// BorrowMut 返回 payload 指针，下一次 Insert 之前有效
func (q *Queue[V]) BorrowMut(k AccessKey) (*V, error) {
	_, lid, err := q.resolve(k)
	if err != nil {
		return nil, err
	}
	return q.vw(lid), nil
}

// Head 全局队首
func (q *Queue[V]) Head() (AccessKey, V, bool) {
	return q.peek(q.head)
}

// Tail 全局队尾 (优先级最低的订单)
func (q *Queue[V]) Tail() (AccessKey, V, bool) {
	return q.peek(q.tail)
}

func (q *Queue[V]) peek(c cacheEntry) (AccessKey, V, bool) {
	var zero V
	if q.size == 0 {
		return 0, zero, false
	}
	k, err := EncodeAccessKey(q.lists[c.list].tree, c.list, q.Ascending(), c.key)
	if err != nil {
		return 0, zero, false
	}
	return k, q.values[c.list], true
}

// HeadKey 队首价格
func (q *Queue[V]) HeadKey() (uint32, bool) {
	return q.head.key, q.size > 0
}

// TailKey 队尾价格
func (q *Queue[V]) TailKey() (uint32, bool) {
	return q.tail.key, q.size > 0
}

// BorrowHeadMut 队首 payload 指针
func (q *Queue[V]) BorrowHeadMut() (AccessKey, *V, error) {
	if q.size == 0 {
		return 0, nil, ErrEmpty
	}
	k, err := EncodeAccessKey(q.lists[q.head.list].tree, q.head.list, q.Ascending(), q.head.key)
	if err != nil {
		return 0, nil, err
	}
	return k, q.vw(q.head.list), nil
}

// BorrowHead 队首 payload，空队列返回 ErrEmpty
func (q *Queue[V]) BorrowHead() (AccessKey, V, error) {
	k, v, ok := q.Head()
	if !ok {
		return 0, v, ErrEmpty
	}
	return k, v, nil
}
