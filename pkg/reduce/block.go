package reduce

import (
	"github.com/neurogrid/warpreduce/pkg/device"
	"github.com/neurogrid/warpreduce/pkg/warp"
)

// blockReduce folds every thread's val down to thread 0 of the block. The
// return value is the block aggregate in thread 0 and unspecified elsewhere.
// sd is the block's shared array of per-warp partials; it is reusable once
// blockReduce returns because of the trailing barrier.
func blockReduce[T Value](t *device.Thread, o op[T], val T, sd []T) T {
	numThreads := t.NumThreads()
	threadID := t.LocalID()
	lane := threadID % device.WarpSize
	warpNum := threadID / device.WarpSize

	temp := val

	if numThreads%device.WarpSize == 0 {
		// Every warp is full; no lane-existence guard needed.
		for i := 1; i < device.WarpSize; i *= 2 {
			rhs := warp.ShuffleXor(t, temp, i)
			temp = o.combine(temp, rhs)
		}
	} else {
		for i := 1; i < device.WarpSize; i *= 2 {
			srcLane := threadID ^ i
			rhs := warp.ShuffleIndexed(t, temp, srcLane)
			// Only fold values from threads that exist.
			if srcLane < numThreads {
				temp = o.combine(temp, rhs)
			}
		}
	}

	// Fold per-warp partials in warp 0.
	if numThreads > device.WarpSize {
		if lane == 0 {
			sd[warpNum] = temp
		}

		t.Barrier()

		if warpNum == 0 {
			if lane*device.WarpSize < numThreads {
				temp = sd[lane]
			} else {
				temp = o.identity()
			}

			for i := 1; i < device.WarpSize; i *= 2 {
				rhs := warp.ShuffleXor(t, temp, i)
				temp = o.combine(temp, rhs)
			}
		}

		t.Barrier()
	}

	return temp
}

// blockReduceLoc is blockReduce for located values; value and index travel
// through the shuffles in parallel.
func blockReduceLoc[T Value](t *device.Thread, o locOp[T], val T, idx int64, sdVal []T, sdIdx []int64) (T, int64) {
	numThreads := t.NumThreads()
	threadID := t.LocalID()
	lane := threadID % device.WarpSize
	warpNum := threadID / device.WarpSize

	tempVal, tempIdx := val, idx

	if numThreads%device.WarpSize == 0 {
		for i := 1; i < device.WarpSize; i *= 2 {
			rhsVal := warp.ShuffleXor(t, tempVal, i)
			rhsIdx := warp.ShuffleXor(t, tempIdx, i)
			tempVal, tempIdx = o.combineLoc(tempVal, tempIdx, rhsVal, rhsIdx)
		}
	} else {
		for i := 1; i < device.WarpSize; i *= 2 {
			srcLane := threadID ^ i
			rhsVal := warp.ShuffleIndexed(t, tempVal, srcLane)
			rhsIdx := warp.ShuffleIndexed(t, tempIdx, srcLane)
			if srcLane < numThreads {
				tempVal, tempIdx = o.combineLoc(tempVal, tempIdx, rhsVal, rhsIdx)
			}
		}
	}

	if numThreads > device.WarpSize {
		if lane == 0 {
			sdVal[warpNum] = tempVal
			sdIdx[warpNum] = tempIdx
		}

		t.Barrier()

		if warpNum == 0 {
			if lane*device.WarpSize < numThreads {
				tempVal = sdVal[lane]
				tempIdx = sdIdx[lane]
			} else {
				tempVal = o.identity()
				tempIdx = noLocation
			}

			for i := 1; i < device.WarpSize; i *= 2 {
				rhsVal := warp.ShuffleXor(t, tempVal, i)
				rhsIdx := warp.ShuffleXor(t, tempIdx, i)
				tempVal, tempIdx = o.combineLoc(tempVal, tempIdx, rhsVal, rhsIdx)
			}
		}

		t.Barrier()
	}

	return tempVal, tempIdx
}
