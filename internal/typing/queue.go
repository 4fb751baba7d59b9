package typing

import "time"

type timerKind int

const expireTyping timerKind = iota + 1

// timer is a scheduled action. Items are never removed early: a refreshed or
// stopped entry leaves its old timer in the queue and the sweep ignores it.
type timer struct {
	kind  timerKind
	key   key
	dueAt time.Time
}

// timerQueue is a min-heap on dueAt for container/heap.
type timerQueue []*timer

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].dueAt.Before(q[j].dueAt) }
func (q timerQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(*timer)) }

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
