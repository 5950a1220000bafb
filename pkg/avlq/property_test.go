package avlq

import (
	"sort"
	"testing"

	"pgregory.net/rapid"
)

type modelOrder struct {
	key   AccessKey
	price uint32
	seq   int
}

// 随机增删序列下，树形、缓存、遍历顺序始终与简单模型一致
func TestQueue_Property_MatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		order := rapid.SampledFrom([]SortOrder{Ascending, Descending}).Draw(rt, "order")
		q := New[int](order)
		var live []modelOrder
		seq := 0

		steps := rapid.IntRange(1, 400).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(live) == 0 || rapid.IntRange(0, 2).Draw(rt, "op") > 0 {
				price := rapid.Uint32Range(1, 64).Draw(rt, "price")
				k, err := q.Insert(price, seq)
				if err != nil {
					rt.Fatalf("insert: %v", err)
				}
				live = append(live, modelOrder{key: k, price: price, seq: seq})
				seq++
			} else {
				idx := rapid.IntRange(0, len(live)-1).Draw(rt, "idx")
				v, err := q.Remove(live[idx].key)
				if err != nil {
					rt.Fatalf("remove: %v", err)
				}
				if v != live[idx].seq {
					rt.Fatalf("removed payload %d, want %d", v, live[idx].seq)
				}
				live = append(live[:idx], live[idx+1:]...)
			}
		}
		checkInvariants(rt, q)

		sort.SliceStable(live, func(a, b int) bool {
			if live[a].price != live[b].price {
				if order == Ascending {
					return live[a].price < live[b].price
				}
				return live[a].price > live[b].price
			}
			return live[a].seq < live[b].seq
		})
		i := 0
		q.ForEach(func(k AccessKey, v int) bool {
			if k != live[i].key || v != live[i].seq {
				rt.Fatalf("position %d: got %s/%d, want %s/%d", i, k, v, live[i].key, live[i].seq)
			}
			i++
			return true
		})
		if i != len(live) {
			rt.Fatalf("visited %d orders, want %d", i, len(live))
		}
	})
}

// 事务内任意操作后回滚，状态与开始时逐字节一致
func TestJournal_Property_Rollback(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := New[int](Ascending)
		var keys []AccessKey
		pre := rapid.IntRange(0, 100).Draw(rt, "pre")
		for i := 0; i < pre; i++ {
			k, _ := q.Insert(rapid.Uint32Range(1, 40).Draw(rt, "p"), i)
			keys = append(keys, k)
		}
		before := snapshotOf(q)

		q.Begin()
		ops := rapid.IntRange(1, 100).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				q.Insert(rapid.Uint32Range(1, 80).Draw(rt, "p"), -i)
			case 1:
				if len(keys) > 0 {
					q.Remove(keys[rapid.IntRange(0, len(keys)-1).Draw(rt, "k")])
				}
			case 2:
				q.PopHead()
			case 3:
				q.InsertCheckEviction(rapid.Uint32Range(1, 80).Draw(rt, "p"), -i, 3)
			}
		}
		q.Rollback()

		if !sameState(before, snapshotOf(q)) {
			rt.Fatalf("state differs after rollback")
		}
	})
}

// 淘汰插入：要么拒绝且不变，要么插入并只淘汰优先级更低的队尾
func TestInsertCheckEviction_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := New[int](Descending)
		critical := uint8(rapid.IntRange(1, 5).Draw(rt, "critical"))
		n := rapid.IntRange(1, 300).Draw(rt, "n")
		for i := 0; i < n; i++ {
			price := rapid.Uint32Range(1, 200).Draw(rt, "price")
			tailKey, hadTail := q.TailKey()
			before := snapshotOf(q)

			_, ev, err := q.InsertCheckEviction(price, i, critical)
			switch {
			case err != nil:
				if !sameState(before, snapshotOf(q)) {
					rt.Fatalf("rejected insert mutated queue")
				}
				if !hadTail || price > tailKey {
					rt.Fatalf("rejected price %d better than tail %d", price, tailKey)
				}
			case ev != nil:
				if ev.AccessKey.Key() >= price {
					rt.Fatalf("evicted %d not worse than inserted %d", ev.AccessKey.Key(), price)
				}
			}
			checkInvariants(rt, q)
		}
	})
}
