package avlq

// =============================================================================
// 事务日志 (Journal)
// =============================================================================
//
// Begin 之后每个被写的槽位第一次被修改前保存原值，Rollback 时写回，
// 新追加的槽位直接截断。回滚后节点 ID、树形和缓存与 Begin 时完全一致，
// 之前发出的 access key 仍然有效。

type journal[V any] struct {
	hdr    header
	nTrees int
	nLists int
	trees  map[NodeID]treeNode
	lists  map[NodeID]listNode
	values map[NodeID]V
}

// Begin 开始记录
func (q *Queue[V]) Begin() error {
	if q.j != nil {
		return ErrJournalActive
	}
	q.j = &journal[V]{
		hdr:    q.header,
		nTrees: len(q.trees),
		nLists: len(q.lists),
		trees:  make(map[NodeID]treeNode),
		lists:  make(map[NodeID]listNode),
		values: make(map[NodeID]V),
	}
	return nil
}

// InTxn 是否处于事务中
func (q *Queue[V]) InTxn() bool {
	return q.j != nil
}

// Commit 保留修改
func (q *Queue[V]) Commit() {
	q.j = nil
}

// Rollback 撤销 Begin 以来的全部修改
func (q *Queue[V]) Rollback() {
	j := q.j
	if j == nil {
		return
	}
	q.j = nil

	var zero V
	for i := j.nLists; i < len(q.values); i++ {
		q.values[i] = zero
	}
	q.trees = q.trees[:j.nTrees]
	q.lists = q.lists[:j.nLists]
	q.values = q.values[:j.nLists]

	for id, n := range j.trees {
		q.trees[id] = n
	}
	for id, n := range j.lists {
		q.lists[id] = n
	}
	for id, v := range j.values {
		q.values[id] = v
	}
	q.header = j.hdr
}

// tw 取树节点的可写指针 (事务中先保存原值)
func (q *Queue[V]) tw(id NodeID) *treeNode {
	if j := q.j; j != nil && int(id) < j.nTrees {
		if _, ok := j.trees[id]; !ok {
			j.trees[id] = q.trees[id]
		}
	}
	return &q.trees[id]
}

func (q *Queue[V]) lw(id NodeID) *listNode {
	if j := q.j; j != nil && int(id) < j.nLists {
		if _, ok := j.lists[id]; !ok {
			j.lists[id] = q.lists[id]
		}
	}
	return &q.lists[id]
}

func (q *Queue[V]) vw(id NodeID) *V {
	if j := q.j; j != nil && int(id) < j.nLists {
		if _, ok := j.values[id]; !ok {
			j.values[id] = q.values[id]
		}
	}
	return &q.values[id]
}
