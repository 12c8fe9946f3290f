package device

// warpState is the lane-exchange area shared by one warp. Slots are written
// and read only between warp barriers, which order the accesses.
type warpState struct {
	bar   *barrier
	words [WarpSize]uint32
}

// blockState holds the synchronization structures shared by one block.
type blockState struct {
	bar   *barrier
	warps []*warpState
}

func newBlockState(numThreads int) *blockState {
	numWarps := (numThreads + WarpSize - 1) / WarpSize
	bs := &blockState{
		bar:   newBarrier(numThreads),
		warps: make([]*warpState, numWarps),
	}
	for w := 0; w < numWarps; w++ {
		lanes := numThreads - w*WarpSize
		if lanes > WarpSize {
			lanes = WarpSize
		}
		bs.warps[w] = &warpState{bar: newBarrier(lanes)}
	}
	return bs
}

// Thread identifies one device thread of a running kernel and carries its
// block-local synchronization context.
type Thread struct {
	BlockIdx  Dim3
	ThreadIdx Dim3
	BlockDim  Dim3
	GridDim   Dim3

	block *blockState
	run   *launchRun
}

// LocalID returns the linear thread index within the block.
func (t *Thread) LocalID() int {
	return t.ThreadIdx.X + t.BlockDim.X*t.ThreadIdx.Y +
		t.BlockDim.X*t.BlockDim.Y*t.ThreadIdx.Z
}

// BlockID returns the linear block index within the grid.
func (t *Thread) BlockID() int {
	return t.BlockIdx.X + t.GridDim.X*t.BlockIdx.Y +
		t.GridDim.X*t.GridDim.Y*t.BlockIdx.Z
}

// GlobalID returns the linear thread index within the grid.
func (t *Thread) GlobalID() int {
	return t.BlockID()*t.NumThreads() + t.LocalID()
}

// NumThreads returns the number of threads per block.
func (t *Thread) NumThreads() int { return t.BlockDim.Size() }

// NumBlocks returns the number of blocks in the grid.
func (t *Thread) NumBlocks() int { return t.GridDim.Size() }

// Lane returns the lane index within the warp.
func (t *Thread) Lane() int { return t.LocalID() % WarpSize }

// Warp returns the warp index within the block.
func (t *Thread) Warp() int { return t.LocalID() / WarpSize }

// Barrier blocks until every thread of the block has arrived.
func (t *Thread) Barrier() { t.block.bar.wait(false) }

// BarrierOr blocks until every thread of the block has arrived and returns
// the OR of all predicates passed in.
func (t *Thread) BarrierOr(pred bool) bool { return t.block.bar.wait(pred) }

// ExchangeWord performs one warp-synchronous register exchange: every lane of
// the warp publishes word and receives the word published by srcLane. The
// source lane is taken modulo WarpSize, matching hardware shuffle semantics;
// reading a lane that holds no live thread yields an unspecified value but
// never faults. All lanes of the warp must call ExchangeWord together.
func (t *Thread) ExchangeWord(word uint32, srcLane int) uint32 {
	ws := t.block.warps[t.Warp()]
	ws.words[t.Lane()] = word
	ws.bar.wait(false)
	out := ws.words[srcLane&(WarpSize-1)]
	ws.bar.wait(false)
	return out
}

// Fence orders prior memory operations before subsequent ones across the
// grid. On the simulated device every cross-block handoff already runs
// through sync/atomic operations, which carry the required ordering, so Fence
// compiles to nothing; it is kept so kernel code states the same contract it
// would need on hardware.
func (t *Thread) Fence() {}

// Hook returns the per-launch hook installed by r for the launch this thread
// belongs to, or nil if r was not attached to the launch.
func (t *Thread) Hook(r Resource) LaunchHook {
	for i, attached := range t.run.resources {
		if attached == r {
			return t.run.hooks[i]
		}
	}
	return nil
}
