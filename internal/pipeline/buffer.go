package pipeline

import (
	"sync"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/telemetry"
)

const (
	actionBufferOccupancyMetricKey = "pipeline_action_buffer_occupancy"
	actionBufferOverflowMetricKey  = "pipeline_action_buffer_overflow_total"
)

// ActionBuffer stores submitted actions in a fixed-size ring. It is safe for
// concurrent producers and a single consumer.
type ActionBuffer struct {
	mu      sync.Mutex
	data    []action.Action
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

// NewActionBuffer constructs a ring buffer with the provided capacity.
func NewActionBuffer(capacity int, metrics telemetry.Metrics) *ActionBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ActionBuffer{
		data:    make([]action.Action, capacity),
		metrics: metrics,
	}
}

// Capacity reports the maximum number of actions the buffer can hold.
func (b *ActionBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Push stages an action, returning false if the buffer is full.
func (b *ActionBuffer) Push(act action.Action) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		if b.metrics != nil {
			b.metrics.Add(actionBufferOverflowMetricKey, 1)
		}
		return false
	}
	b.data[b.tail] = act
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
	return true
}

// Drain returns all staged actions in FIFO order and clears the buffer.
func (b *ActionBuffer) Drain() []action.Action {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	actions := make([]action.Action, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		actions[i] = b.data[idx]
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeOccupancyLocked()
	return actions
}

// Len reports the number of staged actions.
func (b *ActionBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ActionBuffer) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(actionBufferOccupancyMetricKey, uint64(b.count))
}
