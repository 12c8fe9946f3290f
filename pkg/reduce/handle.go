package reduce

import (
	"context"
	"sync"

	"github.com/neurogrid/warpreduce/pkg/device"
	"github.com/neurogrid/warpreduce/pkg/mempool"
)

// core is the shared state of a scalar reduction handle: the root role of the
// handle lifecycle. It holds the seed (folded in place on read) and the
// pinned tally; per-launch and per-thread state live in launch and Worker.
type core[T Value] struct {
	self    device.Resource
	eng     *device.Engine
	o       op[T]
	variant Variant

	mu    sync.Mutex
	value T
	tally *tally[T]
}

func (c *core[T]) init(self device.Resource, eng *device.Engine, o op[T], variant Variant, seed T) {
	c.self = self
	c.eng = eng
	c.o = o
	c.variant = variant
	c.value = seed
	c.tally = newTally[T](eng.PinnedPool())
}

// launch is the launcher role: per-launch device scratch, completion counter,
// pinned slot, block shared arrays, and per-thread workers. It is created by
// SetupLaunch on the launching goroutine and torn down on the stream worker
// after the kernel completes.
type launch[T Value] struct {
	c          *core[T]
	numBlocks  int
	numThreads int
	scratch    []T
	count      []uint32
	slot       *T
	shared     [][]T
	workers    []Worker[T]
}

// SetupLaunch allocates the launch's device scratch, zeroed completion
// counter, and a pinned tally slot for the launch stream. Implements
// device.Resource; a pool failure fails the enclosing launch.
func (c *core[T]) SetupLaunch(ls *device.LaunchState) (device.LaunchHook, error) {
	eng := c.eng
	l := &launch[T]{
		c:          c,
		numBlocks:  ls.NumBlocks(),
		numThreads: ls.NumThreads(),
	}

	var err error
	if c.variant == Atomic {
		// The accumulator must start zeroed so a bitwise-zero identity
		// needs no initializer write.
		l.scratch, err = mempool.Alloc[T](eng.ZeroedPool(), 1)
	} else {
		l.scratch, err = mempool.Alloc[T](eng.DevicePool(), l.numBlocks)
	}
	if err != nil {
		return nil, err
	}
	l.count, err = mempool.Alloc[uint32](eng.ZeroedPool(), 1)
	if err != nil {
		l.freeDevice()
		return nil, err
	}
	l.slot, err = c.tally.newSlot(ls.Stream())
	if err != nil {
		l.freeDevice()
		return nil, err
	}

	l.shared = make([][]T, l.numBlocks)
	for b := range l.shared {
		l.shared[b] = make([]T, device.MaxWarps)
	}
	l.workers = make([]Worker[T], l.numBlocks*l.numThreads)
	for i := range l.workers {
		l.workers[i] = Worker[T]{local: c.o.identity(), o: c.o}
	}
	return l, nil
}

func (l *launch[T]) freeDevice() {
	eng := l.c.eng
	if l.c.variant == Atomic {
		mempool.Free(eng.ZeroedPool(), l.scratch)
	} else {
		mempool.Free(eng.DevicePool(), l.scratch)
	}
	if l.count != nil {
		mempool.Free(eng.ZeroedPool(), l.count)
	}
	l.scratch = nil
	l.count = nil
}

// ThreadStart runs the atomic path's accumulator initializer handshake.
func (l *launch[T]) ThreadStart(t *device.Thread) {
	if l.c.variant == Atomic {
		atomicInitAccumulator(t, l.c.o, l.scratch, &l.count[0])
	}
}

// ThreadFinish is the collective finalize: it folds the thread's worker into
// the grid aggregate, and the single publishing thread writes the aggregate
// to the launch's pinned slot.
func (l *launch[T]) ThreadFinish(t *device.Thread) {
	w := &l.workers[t.GlobalID()]
	var agg T
	var publish bool
	if l.c.variant == Atomic {
		agg, publish = gridReduceAtomic(t, l.c.o, w.local, l.scratch, &l.count[0], l.shared[t.BlockID()])
	} else {
		agg, publish = gridReduce(t, l.c.o, w.local, l.scratch, &l.count[0], l.shared[t.BlockID()])
	}
	if publish {
		*l.slot = agg
	}
}

// Teardown frees the launch's device scratch and counter. Best-effort.
func (l *launch[T]) Teardown() { l.freeDevice() }

// Variant returns the grid path the handle uses.
func (c *core[T]) Variant() Variant { return c.variant }

// At returns the calling thread's worker for this handle. The handle must
// have been attached to the thread's launch.
func (c *core[T]) At(t *device.Thread) *Worker[T] {
	hook := t.Hook(c.self)
	if hook == nil {
		panic("reduce: handle not attached to this launch")
	}
	return &hook.(*launch[T]).workers[t.GlobalID()]
}

// Combine folds v into the calling thread's accumulator.
func (c *core[T]) Combine(t *device.Thread, v T) {
	c.At(t).Combine(v)
}

// Get returns the aggregate. The first call synchronizes every stream the
// handle was launched on, folds all published slots into the seed, and
// clears the tally; later calls return the cached value without touching the
// device. A handle that was never launched returns the seed unchanged.
func (c *core[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tally.empty() {
		for _, s := range c.tally.streamList() {
			if err := c.eng.Synchronize(ctx, s); err != nil {
				var zero T
				return zero, err
			}
		}
		for _, v := range c.tally.values() {
			c.value = c.o.combine(c.value, v)
		}
		c.tally.clear()
	}
	return c.value, nil
}

// Worker is the per-thread accumulator of a reduction handle: the worker
// role. Combines through a Worker mutate the thread's accumulator regardless
// of how the handle is shared in user code.
type Worker[T Value] struct {
	local  T
	parent *Worker[T]
	o      op[T]
}

// Combine folds v into the worker's accumulator.
func (w *Worker[T]) Combine(v T) {
	w.local = w.o.combine(w.local, v)
}

// Fork creates a child worker holding the identity. Closing the child folds
// its accumulator back into w; this models nested device scopes carrying
// their own handle copy.
func (w *Worker[T]) Fork() *Worker[T] {
	return &Worker[T]{local: w.o.identity(), parent: w, o: w.o}
}

// Close folds the worker into its parent. Closing a thread's top-level
// worker is a no-op; the engine finalizes it at kernel end.
func (w *Worker[T]) Close() {
	if w.parent != nil {
		w.parent.local = w.o.combine(w.parent.local, w.local)
		w.parent = nil
	}
}
