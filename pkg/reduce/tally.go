package reduce

import (
	"sync"

	"github.com/neurogrid/warpreduce/pkg/device"
	"github.com/neurogrid/warpreduce/pkg/mempool"
)

// tally tracks the pinned result slots a handle has handed out, grouped by
// stream. Slot allocation is serialized by the mutex so host threads may
// launch against the same handle concurrently.
type tally[V any] struct {
	mu      sync.Mutex
	pinned  *mempool.Pool
	streams []*streamSlots[V]
}

type streamSlots[V any] struct {
	stream *device.Stream
	slots  [][]V // each slot is a one-element pinned allocation
}

func newTally[V any](pinned *mempool.Pool) *tally[V] {
	return &tally[V]{pinned: pinned}
}

// newSlot allocates a pinned result slot for stream, registering the stream
// on first use.
func (ta *tally[V]) newSlot(stream *device.Stream) (*V, error) {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	var entry *streamSlots[V]
	for _, ss := range ta.streams {
		if ss.stream == stream {
			entry = ss
			break
		}
	}
	if entry == nil {
		entry = &streamSlots[V]{stream: stream}
		ta.streams = append(ta.streams, entry)
	}

	slot, err := mempool.Alloc[V](ta.pinned, 1)
	if err != nil {
		return nil, err
	}
	entry.slots = append(entry.slots, slot)
	return &slot[0], nil
}

// empty reports whether no stream has been registered with the tally. A
// stream stays registered even when its slot allocation failed, so a
// non-empty tally may still hold no slots.
func (ta *tally[V]) empty() bool {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return len(ta.streams) == 0
}

// streamList returns the streams the handle has been launched on.
func (ta *tally[V]) streamList() []*device.Stream {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	out := make([]*device.Stream, len(ta.streams))
	for i, ss := range ta.streams {
		out[i] = ss.stream
	}
	return out
}

// values returns every slot value across all streams.
func (ta *tally[V]) values() []V {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	var out []V
	for _, ss := range ta.streams {
		for _, slot := range ss.slots {
			out = append(out, slot[0])
		}
	}
	return out
}

// clear frees every slot back to the pinned pool and drops all streams.
func (ta *tally[V]) clear() {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	for _, ss := range ta.streams {
		for _, slot := range ss.slots {
			mempool.Free(ta.pinned, slot)
		}
	}
	ta.streams = nil
}
