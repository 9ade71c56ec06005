package governor

import (
	"container/heap"
	"time"
)

// Priority orders jobs in the queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its Priority value. Unknown or
// empty names default to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Result is the outcome a job's completion channel is resolved with.
// Exactly one of Value/Err is meaningful.
type Result struct {
	Value any
	Err   error
}

// job is one governed call waiting for dispatch. Immutable after creation
// except for its heap index.
type job struct {
	id         string
	payload    any
	priority   Priority
	enqueuedAt time.Time
	seq        uint64 // submission order; breaks ties within a priority tier
	done       chan Result
	index      int
}

// resolve delivers the job's outcome. The channel is buffered so delivery
// never blocks; the queue/dispatch structure guarantees each job reaches
// exactly one resolution path.
func (j *job) resolve(res Result) {
	j.done <- res
}

// jobHeap implements heap.Interface ordered by priority (high first), then
// submission sequence (oldest first). Timestamps are not used for ordering:
// two jobs submitted within one clock tick would otherwise race.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// queue wraps jobHeap behind the two operations the governor needs.
// Not goroutine-safe; the governor's mutex guards it.
type queue struct {
	heap jobHeap
}

func newQueue() *queue {
	q := &queue{heap: jobHeap{}}
	heap.Init(&q.heap)
	return q
}

func (q *queue) push(j *job) {
	heap.Push(&q.heap, j)
}

// pop removes and returns the highest-priority oldest job, or nil if empty.
func (q *queue) pop() *job {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*job)
}

// drain removes and returns all pending jobs. Callers must resolve every
// returned job's completion; nothing is dropped silently.
func (q *queue) drain() []*job {
	drained := make([]*job, 0, len(q.heap))
	for len(q.heap) > 0 {
		drained = append(drained, heap.Pop(&q.heap).(*job))
	}
	return drained
}

func (q *queue) len() int { return len(q.heap) }
