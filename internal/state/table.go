package state

import (
	"github.com/google/btree"
)

// entry 狀態表中的一筆 (state, priority, handler)
type entry[S ~uint32, H any] struct {
	state    S
	priority Priority
	handler  H
}

// table 以狀態值排序的處理函式表
type table[S ~uint32, H any] struct {
	tree *btree.BTreeG[entry[S, H]]
}

func newTable[S ~uint32, H any]() *table[S, H] {
	return &table[S, H]{
		tree: btree.NewG[entry[S, H]](8, func(a, b entry[S, H]) bool {
			return a.state < b.state
		}),
	}
}

// set inserts or replaces the entry for state, returning the replaced entry.
func (t *table[S, H]) set(state S, pri Priority, h H) (entry[S, H], bool) {
	return t.tree.ReplaceOrInsert(entry[S, H]{state: state, priority: pri, handler: h})
}

func (t *table[S, H]) get(state S) (entry[S, H], bool) {
	return t.tree.Get(entry[S, H]{state: state})
}

func (t *table[S, H]) remove(state S) bool {
	_, ok := t.tree.Delete(entry[S, H]{state: state})
	return ok
}

// states 依數值遞增列出已登錄的狀態
func (t *table[S, H]) states() []S {
	out := make([]S, 0, t.tree.Len())
	t.tree.Ascend(func(e entry[S, H]) bool {
		out = append(out, e.state)
		return true
	})
	return out
}
