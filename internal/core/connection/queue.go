package connection

import (
	"sync"

	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/pkg/sequence"
)

type queueClass int

const (
	queueHigh queueClass = iota
	queueMedium
	queueLow
	queueGeneral
	queueClassCount
)

func (c queueClass) String() string {
	switch c {
	case queueHigh:
		return "high"
	case queueMedium:
		return "medium"
	case queueLow:
		return "low"
	default:
		return "general"
	}
}

// drainOrder is the per-cycle visitation order. Low before high is
// deliberate: servicing high first under sustained high-priority load would
// starve the lower classes. General carries unclassified traffic and drains
// last.
var drainOrder = [queueClassCount]queueClass{queueLow, queueMedium, queueHigh, queueGeneral}

func classFor(p event.Priority) queueClass {
	switch p {
	case event.PriorityHigh:
		return queueHigh
	case event.PriorityMedium:
		return queueMedium
	case event.PriorityLow:
		return queueLow
	default:
		return queueGeneral
	}
}

// deliveryQueues are the four bounded FIFOs behind one connection. Overflow
// evicts the oldest envelope and counts the drop; drop counts survive any
// amount of churn.
type deliveryQueues struct {
	mu    sync.Mutex
	rings [queueClassCount]*sequence.Ring[*event.Envelope]
	drops [queueClassCount]uint64
}

func newDeliveryQueues(high, medium, low, general int) *deliveryQueues {
	q := &deliveryQueues{}
	q.rings[queueHigh] = sequence.NewRing[*event.Envelope](high)
	q.rings[queueMedium] = sequence.NewRing[*event.Envelope](medium)
	q.rings[queueLow] = sequence.NewRing[*event.Envelope](low)
	q.rings[queueGeneral] = sequence.NewRing[*event.Envelope](general)
	return q
}

// Enqueue places the envelope into the queue matching its priority and
// reports whether an older envelope was dropped to make room.
func (q *deliveryQueues) Enqueue(env *event.Envelope) bool {
	return q.enqueueClass(classFor(env.Priority), env)
}

// EnqueueHigh places the envelope into the high-priority queue regardless of
// its own priority. Used by failed-send requeues and breaker-open deferrals.
func (q *deliveryQueues) EnqueueHigh(env *event.Envelope) bool {
	return q.enqueueClass(queueHigh, env)
}

func (q *deliveryQueues) enqueueClass(cls queueClass, env *event.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, evicted := q.rings[cls].Push(env)
	if evicted {
		q.drops[cls]++
	}
	return evicted
}

func (q *deliveryQueues) dequeueClass(cls queueClass) (*event.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rings[cls].Pop()
}

// Depth returns the summed length of all four queues.
func (q *deliveryQueues) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, r := range q.rings {
		total += r.Len()
	}
	return total
}

// DepthByClass returns per-queue lengths keyed by class name.
func (q *deliveryQueues) DepthByClass() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, queueClassCount)
	for cls, r := range q.rings {
		out[queueClass(cls).String()] = r.Len()
	}
	return out
}

// Dropped returns the total number of envelopes evicted by overflow.
func (q *deliveryQueues) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total uint64
	for _, d := range q.drops {
		total += d
	}
	return total
}

// DroppedByClass returns per-queue drop counts keyed by class name.
func (q *deliveryQueues) DroppedByClass() map[string]uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]uint64, queueClassCount)
	for cls, d := range q.drops {
		out[queueClass(cls).String()] = d
	}
	return out
}

// Clear drops every queued envelope, counting them as drops.
func (q *deliveryQueues) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for cls, r := range q.rings {
		q.drops[cls] += uint64(r.Len())
		r.Clear()
	}
}
