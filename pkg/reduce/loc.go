package reduce

import (
	"context"
	"sync"

	"github.com/neurogrid/warpreduce/pkg/device"
	"github.com/neurogrid/warpreduce/pkg/mempool"
)

// located pairs a value with the index it was contributed at. It is the slot
// element of location reducers.
type located[T Value] struct {
	val T
	idx int64
}

// locCore is the root state of a located reduction handle. Location reducers
// use the tree path only; the accumulator pair cannot be updated with a
// single hardware atomic.
type locCore[T Value] struct {
	self device.Resource
	eng  *device.Engine
	o    locOp[T]

	mu    sync.Mutex
	value T
	index int64
	tally *tally[located[T]]
}

func (c *locCore[T]) init(self device.Resource, eng *device.Engine, o locOp[T], seed T, seedIdx int64) {
	c.self = self
	c.eng = eng
	c.o = o
	c.value = seed
	c.index = seedIdx
	c.tally = newTally[located[T]](eng.PinnedPool())
}

// locLaunch is the launcher role of a located reduction: value and index
// scratch run in parallel arrays.
type locLaunch[T Value] struct {
	c          *locCore[T]
	numBlocks  int
	numThreads int
	scratch    []T
	scratchIdx []int64
	count      []uint32
	slot       *located[T]
	sharedVal  [][]T
	sharedIdx  [][]int64
	workers    []WorkerLoc[T]
}

// SetupLaunch implements device.Resource.
func (c *locCore[T]) SetupLaunch(ls *device.LaunchState) (device.LaunchHook, error) {
	eng := c.eng
	l := &locLaunch[T]{
		c:          c,
		numBlocks:  ls.NumBlocks(),
		numThreads: ls.NumThreads(),
	}

	var err error
	l.scratch, err = mempool.Alloc[T](eng.DevicePool(), l.numBlocks)
	if err != nil {
		return nil, err
	}
	l.scratchIdx, err = mempool.Alloc[int64](eng.DevicePool(), l.numBlocks)
	if err != nil {
		l.freeDevice()
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

	l.sharedVal = make([][]T, l.numBlocks)
	l.sharedIdx = make([][]int64, l.numBlocks)
	for b := 0; b < l.numBlocks; b++ {
		l.sharedVal[b] = make([]T, device.MaxWarps)
		l.sharedIdx[b] = make([]int64, device.MaxWarps)
	}
	l.workers = make([]WorkerLoc[T], l.numBlocks*l.numThreads)
	for i := range l.workers {
		l.workers[i] = WorkerLoc[T]{val: c.o.identity(), idx: noLocation, o: c.o}
	}
	return l, nil
}

func (l *locLaunch[T]) freeDevice() {
	eng := l.c.eng
	mempool.Free(eng.DevicePool(), l.scratch)
	mempool.Free(eng.DevicePool(), l.scratchIdx)
	mempool.Free(eng.ZeroedPool(), l.count)
	l.scratch = nil
	l.scratchIdx = nil
	l.count = nil
}

// ThreadStart implements device.LaunchHook.
func (l *locLaunch[T]) ThreadStart(t *device.Thread) {}

// ThreadFinish runs the collective grid reduction and publishes the located
// aggregate from the single publishing thread.
func (l *locLaunch[T]) ThreadFinish(t *device.Thread) {
	w := &l.workers[t.GlobalID()]
	val, idx, publish := gridReduceLoc(t, l.c.o, w.val, w.idx,
		l.scratch, l.scratchIdx, &l.count[0],
		l.sharedVal[t.BlockID()], l.sharedIdx[t.BlockID()])
	if publish {
		*l.slot = located[T]{val: val, idx: idx}
	}
}

// Teardown implements device.LaunchHook.
func (l *locLaunch[T]) Teardown() { l.freeDevice() }

// At returns the calling thread's worker for this handle.
func (c *locCore[T]) At(t *device.Thread) *WorkerLoc[T] {
	hook := t.Hook(c.self)
	if hook == nil {
		panic("reduce: handle not attached to this launch")
	}
	return &hook.(*locLaunch[T]).workers[t.GlobalID()]
}

// Combine folds (v, i) into the calling thread's accumulator.
func (c *locCore[T]) Combine(t *device.Thread, v T, i int64) {
	c.At(t).Combine(v, i)
}

// Get returns the aggregate value; see core.Get for the synchronization and
// caching contract.
func (c *locCore[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.drain(ctx); err != nil {
		var zero T
		return zero, err
	}
	return c.value, nil
}

// GetLoc returns the index of the aggregate value, or -1 if no located
// contribution reached the handle.
func (c *locCore[T]) GetLoc(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.drain(ctx); err != nil {
		return noLocation, err
	}
	return c.index, nil
}

func (c *locCore[T]) drain(ctx context.Context) error {
	if c.tally.empty() {
		return nil
	}
	for _, s := range c.tally.streamList() {
		if err := c.eng.Synchronize(ctx, s); err != nil {
			return err
		}
	}
	for _, lv := range c.tally.values() {
		c.value, c.index = c.o.combineLoc(c.value, c.index, lv.val, lv.idx)
	}
	c.tally.clear()
	return nil
}

// WorkerLoc is the per-thread accumulator of a located reduction handle.
type WorkerLoc[T Value] struct {
	val    T
	idx    int64
	parent *WorkerLoc[T]
	o      locOp[T]
}

// Combine folds (v, i) into the worker's accumulator.
func (w *WorkerLoc[T]) Combine(v T, i int64) {
	w.val, w.idx = w.o.combineLoc(w.val, w.idx, v, i)
}

// Fork creates a child worker holding the identity and no location.
func (w *WorkerLoc[T]) Fork() *WorkerLoc[T] {
	return &WorkerLoc[T]{val: w.o.identity(), idx: noLocation, parent: w, o: w.o}
}

// Close folds the worker into its parent; a thread's top-level worker is
// finalized by the engine instead.
func (w *WorkerLoc[T]) Close() {
	if w.parent != nil {
		w.parent.val, w.parent.idx = w.o.combineLoc(w.parent.val, w.parent.idx, w.val, w.idx)
		w.parent = nil
	}
}
