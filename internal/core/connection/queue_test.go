package connection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core/event"
)

func TestDeliveryQueues_RoutesByPriority(t *testing.T) {
	q := newDeliveryQueues(10, 10, 10, 10)

	q.Enqueue(event.New("a", nil, event.WithPriority(event.PriorityHigh)))
	q.Enqueue(event.New("b", nil, event.WithPriority(event.PriorityMedium)))
	q.Enqueue(event.New("c", nil, event.WithPriority(event.PriorityLow)))
	q.Enqueue(event.New("d", nil, event.WithPriority(event.Priority(9))))

	depths := q.DepthByClass()
	assert.Equal(t, 1, depths["high"])
	assert.Equal(t, 1, depths["medium"])
	assert.Equal(t, 1, depths["low"])
	assert.Equal(t, 1, depths["general"])
	assert.Equal(t, 4, q.Depth())
}

func TestDeliveryQueues_EnqueueHighIgnoresPriority(t *testing.T) {
	q := newDeliveryQueues(10, 10, 10, 10)

	q.EnqueueHigh(event.New("a", nil, event.WithPriority(event.PriorityLow)))

	assert.Equal(t, 1, q.DepthByClass()["high"])
	assert.Equal(t, 0, q.DepthByClass()["low"])
}

func TestDeliveryQueues_DropOldestOnOverflow(t *testing.T) {
	q := newDeliveryQueues(3, 10, 10, 10)

	for i := 0; i < 5; i++ {
		evicted := q.Enqueue(event.New(fmt.Sprintf("m%d", i), nil, event.WithPriority(event.PriorityHigh)))
		assert.Equal(t, i >= 3, evicted, "push %d", i)
	}

	assert.Equal(t, 3, q.Depth())
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, uint64(2), q.DroppedByClass()["high"])

	// The two oldest were evicted; m2..m4 survive in order.
	for i := 2; i < 5; i++ {
		env, ok := q.dequeueClass(queueHigh)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("m%d", i), env.Type)
	}
	_, ok := q.dequeueClass(queueHigh)
	assert.False(t, ok)
}

func TestDeliveryQueues_ClearCountsRemainderAsDrops(t *testing.T) {
	q := newDeliveryQueues(10, 10, 10, 10)
	q.Enqueue(event.New("a", nil, event.WithPriority(event.PriorityHigh)))
	q.Enqueue(event.New("b", nil, event.WithPriority(event.PriorityLow)))

	q.Clear()

	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestDrainOrder_CoversEveryClassOnce(t *testing.T) {
	seen := make(map[queueClass]int)
	for _, cls := range drainOrder {
		seen[cls]++
	}
	assert.Len(t, seen, int(queueClassCount))
	for cls, n := range seen {
		assert.Equal(t, 1, n, "class %s", cls)
	}
	assert.Equal(t, queueLow, drainOrder[0], "low drains first to avoid starvation")
	assert.Equal(t, queueGeneral, drainOrder[len(drainOrder)-1])
}

func TestClassFor_MapsPriorities(t *testing.T) {
	assert.Equal(t, queueHigh, classFor(event.PriorityHigh))
	assert.Equal(t, queueMedium, classFor(event.PriorityMedium))
	assert.Equal(t, queueLow, classFor(event.PriorityLow))
	assert.Equal(t, queueGeneral, classFor(event.Priority(0)))
	assert.Equal(t, queueGeneral, classFor(event.Priority(42)))
}
