package engine

import (
	"container/heap"
	"time"
)

// queuedJob is one queue entry. seq preserves FIFO order within a level;
// notBefore defers jobs whose preconditions were unmet without removing
// them from the queue.
type queuedJob struct {
	job       Job
	seq       uint64
	notBefore time.Time
	attempts  int
	index     int
}

// jobQueue is a priority heap ordered by level, then submission order.
type jobQueue []*queuedJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].job.Level() != q[j].job.Level() {
		return q[i].job.Level() < q[j].job.Level()
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	item := x.(*queuedJob)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// popEligible removes and returns the highest-priority entry that is past
// its deferral time and passes the eligible check. Ineligible entries are
// popped and pushed back, so a deferred level-1 job does not starve an
// eligible level-4 job.
func popEligible(q *jobQueue, now time.Time, eligible func(*queuedJob) bool) *queuedJob {
	var stash []*queuedJob
	var found *queuedJob
	for q.Len() > 0 {
		item := heap.Pop(q).(*queuedJob)
		if !item.notBefore.After(now) && eligible(item) {
			found = item
			break
		}
		stash = append(stash, item)
	}
	for _, item := range stash {
		heap.Push(q, item)
	}
	return found
}
