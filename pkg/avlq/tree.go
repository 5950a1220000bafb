package avlq

// =============================================================================
// AVL 树
// =============================================================================
//
// 每个节点保存左右子树高度，旋转后自底向上重算。
// 节点 ID 会被编码进 access key，所以删除双子节点时移动的是后继节点本身，
// 而不是像教科书那样拷贝 key。

// sideHeight 以 id 为根的子树挂在父节点下时贡献的高度
func (q *Queue[V]) sideHeight(id NodeID) uint8 {
	if id == 0 {
		return 0
	}
	n := &q.trees[id]
	return 1 + max(n.lh, n.rh)
}

func (q *Queue[V]) refresh(id NodeID) {
	n := q.tw(id)
	n.lh = q.sideHeight(n.left)
	n.rh = q.sideHeight(n.right)
}

// replaceChild 把 parent 指向 old 的孩子指针改为 child，parent 为 0 时改根
func (q *Queue[V]) replaceChild(parent, old, child NodeID) {
	if parent == 0 {
		q.root = child
		return
	}
	p := q.tw(parent)
	if p.left == old {
		p.left = child
	} else {
		p.right = child
	}
}

//	  x              y
//	 / \            / \
//	a   y    =>    x   c
//	   / \        / \
//	  b   c      a   b
func (q *Queue[V]) rotateLeft(x NodeID) NodeID {
	xn := q.tw(x)
	y := xn.right
	yn := q.tw(y)
	parent := xn.parent

	xn.right = yn.left
	if yn.left != 0 {
		q.tw(yn.left).parent = x
	}
	yn.left = x
	xn.parent = y
	yn.parent = parent
	q.replaceChild(parent, x, y)

	q.refresh(x)
	q.refresh(y)
	return y
}

func (q *Queue[V]) rotateRight(x NodeID) NodeID {
	xn := q.tw(x)
	y := xn.left
	yn := q.tw(y)
	parent := xn.parent

	xn.left = yn.right
	if yn.right != 0 {
		q.tw(yn.right).parent = x
	}
	yn.right = x
	xn.parent = y
	yn.parent = parent
	q.replaceChild(parent, x, y)

	q.refresh(x)
	q.refresh(y)
	return y
}

// rebalance 单旋或双旋，返回该位置新的子树根
func (q *Queue[V]) rebalance(id NodeID) NodeID {
	n := &q.trees[id]
	switch bal := n.balance(); {
	case bal > 1:
		if r := n.right; q.trees[r].balance() < 0 {
			q.rotateRight(r)
		}
		return q.rotateLeft(id)
	case bal < -1:
		if l := n.left; q.trees[l].balance() > 0 {
			q.rotateLeft(l)
		}
		return q.rotateRight(id)
	}
	return id
}

// retrace 从 id 向上到根，逐层更新高度并旋转
func (q *Queue[V]) retrace(id NodeID) {
	for id != 0 {
		q.refresh(id)
		id = q.rebalance(id)
		id = q.trees[id].parent
	}
}

// search 查找 key，未命中时返回应挂载的父节点和方向
func (q *Queue[V]) search(key uint32) (match, parent NodeID, left bool) {
	cur := q.root
	for cur != 0 {
		n := &q.trees[cur]
		switch {
		case key < n.key:
			parent, cur, left = cur, n.left, true
		case key > n.key:
			parent, cur, left = cur, n.right, false
		default:
			return cur, parent, false
		}
	}
	return 0, parent, left
}

// attach 挂载新树节点并重新平衡
func (q *Queue[V]) attach(id, parent NodeID, left bool) {
	q.tw(id).parent = parent
	switch {
	case parent == 0:
		q.root = id
	case left:
		q.tw(parent).left = id
	default:
		q.tw(parent).right = id
	}
	q.retrace(parent)
}

// insertGrowsHeight 在 parent 下挂新叶子后整棵树是否会长高一层
// 只有插入路径上每个祖先都严格平衡时高度才会一路传到根，
// 遇到不平衡的祖先要么抵消要么触发旋转，树高不变。
func (q *Queue[V]) insertGrowsHeight(parent NodeID) bool {
	if parent == 0 {
		return false
	}
	for id := parent; id != 0; id = q.trees[id].parent {
		if n := &q.trees[id]; n.lh != n.rh {
			return false
		}
	}
	return true
}

// detach 从树中摘除 z (不释放)
func (q *Queue[V]) detach(z NodeID) {
	zn := q.trees[z]

	if zn.left == 0 || zn.right == 0 {
		child := zn.left
		if child == 0 {
			child = zn.right
		}
		q.replaceChild(zn.parent, z, child)
		if child != 0 {
			q.tw(child).parent = zn.parent
		}
		q.retrace(zn.parent)
		return
	}

	// 双子节点：用右子树最小节点 s 顶替 z
	s := zn.right
	for q.trees[s].left != 0 {
		s = q.trees[s].left
	}

	from := s
	if s != zn.right {
		sp := q.trees[s].parent
		sc := q.trees[s].right
		q.tw(sp).left = sc
		if sc != 0 {
			q.tw(sc).parent = sp
		}
		q.tw(s).right = zn.right
		q.tw(zn.right).parent = s
		from = sp
	}

	sn := q.tw(s)
	sn.left = zn.left
	sn.parent = zn.parent
	q.tw(zn.left).parent = s
	q.replaceChild(zn.parent, z, s)

	q.retrace(from)
}

// extreme 子树最左 (leftmost=true) 或最右节点
func (q *Queue[V]) extreme(id NodeID, leftmost bool) NodeID {
	if id == 0 {
		return 0
	}
	for {
		n := &q.trees[id]
		next := n.right
		if leftmost {
			next = n.left
		}
		if next == 0 {
			return id
		}
		id = next
	}
}

// step 中序后继 (forward) 或前驱
func (q *Queue[V]) step(id NodeID, forward bool) NodeID {
	n := &q.trees[id]
	child := n.left
	if forward {
		child = n.right
	}
	if child != 0 {
		return q.extreme(child, forward)
	}
	for p := n.parent; p != 0; id, p = p, q.trees[p].parent {
		pn := &q.trees[p]
		if (forward && pn.left == id) || (!forward && pn.right == id) {
			return p
		}
	}
	return 0
}

// Height 树高 (根到最深叶子的边数)，空树和单节点为 0
func (q *Queue[V]) Height() uint8 {
	if q.root == 0 {
		return 0
	}
	n := &q.trees[q.root]
	return max(n.lh, n.rh)
}
