package reduce

import (
	"runtime"
	"sync/atomic"

	"github.com/neurogrid/warpreduce/pkg/device"
	"github.com/neurogrid/warpreduce/pkg/warp"
)

// gridReduce folds every thread's val down to a single grid aggregate using
// the tree path: thread 0 of each block writes the block partial to scratch,
// and the last block to bump the completion counter folds the scratch array.
// It returns the aggregate and whether the calling thread is the one that
// must publish it. Every thread of the launch must call gridReduce.
func gridReduce[T Value](t *device.Thread, o op[T], val T, scratch []T, count *uint32, sd []T) (T, bool) {
	numBlocks := t.NumBlocks()
	numThreads := t.NumThreads()
	wrap := uint32(numBlocks - 1)

	temp := blockReduce(t, o, val, sd)

	if numBlocks == 1 {
		return temp, t.LocalID() == 0
	}

	last := false
	if t.LocalID() == 0 {
		scratch[t.BlockID()] = temp
		// Make the partial visible to the block that folds scratch.
		t.Fence()
		// Wraps back to zero when the previous count is numBlocks-1.
		last = device.IncWrap(count, wrap) == wrap
	}

	last = t.BarrierOr(last)

	if last {
		temp = o.identity()
		for i := t.LocalID(); i < numBlocks; i += numThreads {
			temp = o.combine(temp, scratch[i])
		}
		temp = blockReduce(t, o, temp, sd)
		return temp, t.LocalID() == 0
	}
	return temp, false
}

// atomicInitAccumulator runs the one-shot initializer handshake of the atomic
// path: the first block to win the counter CAS stores the identity into the
// accumulator and releases the counter at 2. When the identity is bitwise
// zero the store is skipped — the zero-initialized pool already holds it —
// but the handshake still runs so the completion count wraps at the same
// value either way. Called by thread 0 of every block at kernel entry.
func atomicInitAccumulator[T Value](t *device.Thread, o op[T], scratch []T, count *uint32) {
	if t.NumBlocks() == 1 || t.LocalID() != 0 {
		return
	}
	if atomic.CompareAndSwapUint32(count, 0, 1) {
		if id := o.identity(); !warp.IsBitwiseZero(id) {
			scratch[0] = id
		}
		t.Fence()
		atomic.AddUint32(count, 1)
	}
}

// gridReduceAtomic folds every thread's val into the single-element scratch
// accumulator with the reducer's atomic combine. The block whose completion
// count wraps reads the accumulator back; its thread 0 publishes.
func gridReduceAtomic[T Value](t *device.Thread, o op[T], val T, scratch []T, count *uint32, sd []T) (T, bool) {
	numBlocks := t.NumBlocks()
	// Two counts are consumed by the initializer handshake.
	wrap := uint32(numBlocks + 1)

	temp := blockReduce(t, o, val, sd)

	if numBlocks == 1 {
		return temp, t.LocalID() == 0
	}

	if t.LocalID() == 0 {
		// Wait for the accumulator to be initialized.
		for atomic.LoadUint32(count) < 2 {
			runtime.Gosched()
		}
		t.Fence()
		atomicCombine(o, &scratch[0], temp)
		t.Fence()
		if device.IncWrap(count, wrap) == wrap {
			return scratch[0], true
		}
	}
	return temp, false
}

// gridReduceLoc is the tree path for located values; scratch carries the
// per-block values and indexes in parallel arrays.
func gridReduceLoc[T Value](t *device.Thread, o locOp[T], val T, idx int64, scratch []T, scratchIdx []int64, count *uint32, sdVal []T, sdIdx []int64) (T, int64, bool) {
	numBlocks := t.NumBlocks()
	numThreads := t.NumThreads()
	wrap := uint32(numBlocks - 1)

	tempVal, tempIdx := blockReduceLoc(t, o, val, idx, sdVal, sdIdx)

	if numBlocks == 1 {
		return tempVal, tempIdx, t.LocalID() == 0
	}

	last := false
	if t.LocalID() == 0 {
		scratch[t.BlockID()] = tempVal
		scratchIdx[t.BlockID()] = tempIdx
		t.Fence()
		last = device.IncWrap(count, wrap) == wrap
	}

	last = t.BarrierOr(last)

	if last {
		tempVal = o.identity()
		tempIdx = noLocation
		for i := t.LocalID(); i < numBlocks; i += numThreads {
			tempVal, tempIdx = o.combineLoc(tempVal, tempIdx, scratch[i], scratchIdx[i])
		}
		tempVal, tempIdx = blockReduceLoc(t, o, tempVal, tempIdx, sdVal, sdIdx)
		return tempVal, tempIdx, t.LocalID() == 0
	}
	return tempVal, tempIdx, false
}
