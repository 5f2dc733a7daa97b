package state

import (
	"container/heap"
	"time"
)

// event 一個排入 reactor 的單次事件
type event struct {
	priority Priority
	seq      uint64
	name     string
	fn       func()
	queuedAt time.Time
}

// eventQueue 依 (priority 由高到低, seq 由小到大) 排序的 heap：
// 同一優先級內嚴格 FIFO。
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}

var _ heap.Interface = (*eventQueue)(nil)
