package avlq

// =============================================================================
// 节点池 (Node Arena)
// =============================================================================
//
// 两类节点各用一个 slice 存储，下标即 ID，0 号槽位占位不用。
// 释放的节点压入空闲栈 (nextFree 串起来)，分配时优先弹栈，
// 栈空时才在尾部扩容，ID 永远不超过 MaxNodeID。

// link 链表节点的前后指针
// 队首的 prev 和队尾的 next 指向所属树节点 (toTree=true)
type link struct {
	id     NodeID
	toTree bool
}

// treeNode 价格档位
type treeNode struct {
	key uint32

	// 左右子树高度 (边数 + 1，无子树为 0)，平衡因子 = rh - lh
	lh, rh uint8

	parent      NodeID
	left, right NodeID

	// 本价位 FIFO 队列
	head, tail NodeID

	nextFree NodeID
	active   bool
}

// balance 平衡因子
func (n *treeNode) balance() int {
	return int(n.rh) - int(n.lh)
}

// listNode 单个订单在价位队列中的位置
type listNode struct {
	prev, next link
	tree       NodeID // 所属树节点，用于校验 access key

	nextFree NodeID
	active   bool
}

func (q *Queue[V]) treeAvailable() bool {
	return q.freeTreeTop != 0 || len(q.trees)-1 < MaxNodeID
}

func (q *Queue[V]) listAvailable() bool {
	return q.freeListTop != 0 || len(q.lists)-1 < MaxNodeID
}

// allocTree 分配树节点，调用前须确认 treeAvailable
func (q *Queue[V]) allocTree(key uint32) NodeID {
	var id NodeID
	if q.freeTreeTop != 0 {
		id = q.freeTreeTop
		q.freeTreeTop = q.trees[id].nextFree
	} else {
		id = NodeID(len(q.trees))
		q.trees = append(q.trees, treeNode{})
	}
	*q.tw(id) = treeNode{key: key, active: true}
	return id
}

func (q *Queue[V]) freeTree(id NodeID) {
	*q.tw(id) = treeNode{nextFree: q.freeTreeTop}
	q.freeTreeTop = id
}

// allocList 分配链表节点并写入 payload，调用前须确认 listAvailable
func (q *Queue[V]) allocList(tree NodeID, v V) NodeID {
	var id NodeID
	if q.freeListTop != 0 {
		id = q.freeListTop
		q.freeListTop = q.lists[id].nextFree
	} else {
		id = NodeID(len(q.lists))
		q.lists = append(q.lists, listNode{})
		var zero V
		q.values = append(q.values, zero)
	}
	*q.lw(id) = listNode{tree: tree, active: true}
	*q.vw(id) = v
	return id
}

// freeList 释放链表节点，payload 清零
func (q *Queue[V]) freeList(id NodeID) {
	*q.lw(id) = listNode{nextFree: q.freeListTop}
	var zero V
	*q.vw(id) = zero
	q.freeListTop = id
}
