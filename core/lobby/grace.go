package lobby

import (
	"container/heap"
	"time"
)

type graceEntry struct {
	deadline time.Time
	lobbyID  uint64
	address  string
}

// graceQueue is a min-heap of reconnect deadlines ordered by time.
type graceQueue []graceEntry

func (q graceQueue) Len() int { return len(q) }

func (q graceQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		if q[i].lobbyID == q[j].lobbyID {
			return q[i].address < q[j].address
		}
		return q[i].lobbyID < q[j].lobbyID
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q graceQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *graceQueue) Push(x any) { *q = append(*q, x.(graceEntry)) }

func (q *graceQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *graceQueue) push(entry graceEntry) { heap.Push(q, entry) }

// popDue removes and returns every entry whose deadline is not after now.
func (q *graceQueue) popDue(now time.Time) []graceEntry {
	var due []graceEntry
	for q.Len() > 0 && !(*q)[0].deadline.After(now) {
		due = append(due, heap.Pop(q).(graceEntry))
	}
	return due
}
