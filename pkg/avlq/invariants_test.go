package avlq

import (
	"math"
	"reflect"
	"slices"
)

type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

// heightBound ⌈1.44·log₂(n+2)⌉
func heightBound(n int) int {
	return int(math.Ceil(1.44 * math.Log2(float64(n+2))))
}

// checkInvariants 校验树形、高度、链表和缓存
func checkInvariants[V any](t tb, q *Queue[V]) {
	t.Helper()

	levels, size := 0, 0
	var walk func(id, parent NodeID, lo, hi int64) uint8
	walk = func(id, parent NodeID, lo, hi int64) uint8 {
		if id == 0 {
			return 0
		}
		n := &q.trees[id]
		if !n.active {
			t.Fatalf("tree node %d inactive but linked", id)
		}
		if n.parent != parent {
			t.Fatalf("tree node %d parent=%d, want %d", id, n.parent, parent)
		}
		if int64(n.key) <= lo || int64(n.key) >= hi {
			t.Fatalf("tree node %d key %d out of (%d,%d)", id, n.key, lo, hi)
		}
		lh := walk(n.left, id, lo, int64(n.key))
		rh := walk(n.right, id, int64(n.key), hi)
		if n.lh != lh || n.rh != rh {
			t.Fatalf("tree node %d heights (%d,%d), want (%d,%d)", id, n.lh, n.rh, lh, rh)
		}
		if b := n.balance(); b < -1 || b > 1 {
			t.Fatalf("tree node %d balance %d", id, b)
		}
		levels++

		if n.head == 0 || n.tail == 0 {
			t.Fatalf("tree node %d has empty queue", id)
		}
		prev := link{id: id, toTree: true}
		for lid := n.head; ; {
			l := &q.lists[lid]
			if !l.active || l.tree != id {
				t.Fatalf("list node %d bad owner %d (tree %d)", lid, l.tree, id)
			}
			if l.prev != prev {
				t.Fatalf("list node %d prev=%+v want %+v", lid, l.prev, prev)
			}
			size++
			if l.next.toTree {
				if l.next.id != id || n.tail != lid {
					t.Fatalf("list node %d tail link mismatch", lid)
				}
				break
			}
			prev = link{id: lid}
			lid = l.next.id
		}
		return 1 + max(n.lh, n.rh)
	}
	walk(q.root, 0, -1, math.MaxUint32+1)

	if levels != q.levels || size != q.size {
		t.Fatalf("counters levels=%d size=%d, walked levels=%d size=%d", q.levels, q.size, levels, size)
	}
	if levels > 0 && int(q.Height())+1 > heightBound(levels) {
		t.Fatalf("height %d exceeds bound for %d levels", q.Height(), levels)
	}

	if q.size == 0 {
		if q.head != (cacheEntry{}) || q.tail != (cacheEntry{}) {
			t.Fatalf("caches not cleared on empty queue")
		}
		return
	}
	h := &q.trees[q.extreme(q.root, q.Ascending())]
	if q.head != (cacheEntry{list: h.head, key: h.key}) {
		t.Fatalf("head cache %+v, want {%d %d}", q.head, h.head, h.key)
	}
	tl := &q.trees[q.extreme(q.root, !q.Ascending())]
	if q.tail != (cacheEntry{list: tl.tail, key: tl.key}) {
		t.Fatalf("tail cache %+v, want {%d %d}", q.tail, tl.tail, tl.key)
	}
}

type state[V any] struct {
	h      header
	trees  []treeNode
	lists  []listNode
	values []V
}

func snapshotOf[V any](q *Queue[V]) state[V] {
	return state[V]{
		h:      q.header,
		trees:  slices.Clone(q.trees),
		lists:  slices.Clone(q.lists),
		values: slices.Clone(q.values),
	}
}

func sameState[V any](a, b state[V]) bool {
	return reflect.DeepEqual(a, b)
}
