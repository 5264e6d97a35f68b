package pool

import "time"

// jobQueue keeps pending jobs in dispatch order: highest priority first,
// FIFO within a priority band.
//
// It is owned exclusively by the coordinator goroutine, so it needs no locking.
// A front-scan insert is deliberate: queues here are small (bounded by
// MaxQueue) and the scan keeps ordering rules obvious.
type jobQueue struct {
	items []Job
}

// insert places j before the first entry it outranks: either strictly higher
// priority, or equal priority with an earlier enqueue time. New submissions
// carry monotonically increasing timestamps, so equal-priority jobs land
// behind their band (stable FIFO).
func (q *jobQueue) insert(j Job) {
	at := len(q.items)
	for i, cur := range q.items {
		if j.Priority > cur.Priority || (j.Priority == cur.Priority && j.EnqueuedAt.Before(cur.EnqueuedAt)) {
			at = i
			break
		}
	}
	q.items = append(q.items, Job{})
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = j
}

// popFront removes and returns the head (highest priority, oldest within it).
func (q *jobQueue) popFront() (Job, bool) {
	if len(q.items) == 0 {
		return Job{}, false
	}
	j := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = Job{}
	q.items = q.items[:len(q.items)-1]
	return j, true
}

// remove drops the entry for targetID if present.
func (q *jobQueue) remove(targetID string) bool {
	for i, cur := range q.items {
		if cur.TargetID == targetID {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = Job{}
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// contains reports whether a job for targetID is queued.
func (q *jobQueue) contains(targetID string) bool {
	for _, cur := range q.items {
		if cur.TargetID == targetID {
			return true
		}
	}
	return false
}

func (q *jobQueue) clear() int {
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

func (q *jobQueue) len() int { return len(q.items) }

// QueuedJob is the read-only view of one pending job.
type QueuedJob struct {
	TargetID   string        `json:"target_id"`
	Kind       string        `json:"kind"`
	Priority   int           `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Waiting    time.Duration `json:"waiting"`
}

// snapshot copies the queue in dispatch order with computed wait times.
func (q *jobQueue) snapshot(now time.Time) []QueuedJob {
	out := make([]QueuedJob, 0, len(q.items))
	for _, j := range q.items {
		out = append(out, QueuedJob{
			TargetID:   j.TargetID,
			Kind:       j.Kind.String(),
			Priority:   j.Priority,
			EnqueuedAt: j.EnqueuedAt,
			Waiting:    now.Sub(j.EnqueuedAt),
		})
	}
	return out
}
