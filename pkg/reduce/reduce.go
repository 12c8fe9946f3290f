// Package reduce implements device-wide reductions for the simulated compute
// device: sum, min, max, and min/max-with-location handles that accumulate
// per-thread contributions inside kernels and deliver one aggregate back to
// host code after stream synchronization.
//
// A handle is constructed on the host with a seed value and attached to
// kernel launches as a device.Resource. Each launch gets its own device
// scratch, completion counter, and pinned result slot; each thread gets its
// own accumulator. When the kernel body returns, the engine runs the
// collective finalize in every thread: values are folded lane-to-lane with
// warp shuffles, per-warp partials meet in block shared memory, and per-block
// partials meet grid-wide either through a scratch array folded by the last
// arriving block (tree variant) or through a single accumulator updated with
// hardware-style atomics (atomic variant). Exactly one thread per launch
// publishes the aggregate to a pinned slot tracked per stream.
//
// Reading a handle on the host synchronizes every stream it was launched on,
// folds all published slots into the seed, and caches the result; later reads
// return the cached value without touching the device.
package reduce

// Value is the set of element types a reduction can run over. The exact
// (untilded) types keep identity constants expressible for every member.
type Value interface {
	int32 | int64 | uint32 | uint64 | float32 | float64
}

// Variant selects the grid combination algorithm.
type Variant int

const (
	// Tree writes per-block partials to a scratch array; the last arriving
	// block folds the array and publishes the aggregate.
	Tree Variant = iota

	// Atomic folds per-block partials into a single device accumulator with
	// an atomic combine; the block whose completion count wraps publishes.
	Atomic
)

// noLocation is the index sentinel meaning "no location known".
const noLocation int64 = -1
