package device

// LaunchState describes a pending launch to resources attached to it. It is
// only valid during the Launch call that created it.
type LaunchState struct {
	eng    *Engine
	stream *Stream
	grid   Dim3
	block  Dim3
}

// Engine returns the engine performing the launch.
func (ls *LaunchState) Engine() *Engine { return ls.eng }

// Stream returns the stream the pending kernel will run on.
func (ls *LaunchState) Stream() *Stream { return ls.stream }

// GridDim returns the block counts of the pending launch.
func (ls *LaunchState) GridDim() Dim3 { return ls.grid }

// BlockDim returns the thread counts of the pending launch.
func (ls *LaunchState) BlockDim() Dim3 { return ls.block }

// NumBlocks returns the total block count of the pending launch.
func (ls *LaunchState) NumBlocks() int { return ls.grid.Size() }

// NumThreads returns the threads per block of the pending launch.
func (ls *LaunchState) NumThreads() int { return ls.block.Size() }

// Resource is launch-scoped state hooked into a kernel launch, such as a
// reduction handle. SetupLaunch runs on the launching goroutine before any
// work is queued; it allocates whatever the launch needs and returns the
// per-launch hook. A failed setup fails the launch as a whole.
type Resource interface {
	SetupLaunch(ls *LaunchState) (LaunchHook, error)
}

// LaunchHook receives the per-thread and per-launch callbacks of one launch.
type LaunchHook interface {
	// ThreadStart runs in every thread before the kernel body.
	ThreadStart(t *Thread)

	// ThreadFinish runs in every thread after the kernel body returns. It is
	// collective: implementations may use the thread's barriers and warp
	// exchange, and every thread of the launch participates.
	ThreadFinish(t *Thread)

	// Teardown runs on the stream worker after the kernel has completed.
	// It must not fail; frees are best-effort.
	Teardown()
}

// launchRun binds the attached resources and their hooks to the threads of
// one executing kernel.
type launchRun struct {
	resources []Resource
	hooks     []LaunchHook
}
