package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neurogrid/warpreduce/pkg/mempool"
)

// Config holds engine configuration.
type Config struct {
	// DevicePoolSize is the scratch pool capacity in bytes.
	DevicePoolSize int64

	// ZeroedPoolSize is the zero-initialized pool capacity in bytes.
	ZeroedPoolSize int64

	// PinnedPoolSize is the pinned host pool capacity in bytes.
	PinnedPoolSize int64

	// StreamDepth is the task queue depth per stream.
	StreamDepth int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		DevicePoolSize: 64 * 1024 * 1024,
		ZeroedPoolSize: 16 * 1024 * 1024,
		PinnedPoolSize: 16 * 1024 * 1024,
		StreamDepth:    256,
	}
}

// KernelInfo describes one completed kernel for tracing.
type KernelInfo struct {
	Stream    int
	Seq       int64
	Grid      Dim3
	Block     Dim3
	Resources int
	Duration  time.Duration
}

// Tracer observes engine activity. Implementations must be safe for
// concurrent use: KernelCompleted runs on stream workers, and
// StreamSynchronized runs on the goroutine that called Synchronize.
type Tracer interface {
	KernelCompleted(info KernelInfo)
	StreamSynchronized(stream int)
}

// Stream is an ordered queue of device work. Work submitted to one stream
// runs in submission order; work on different streams runs concurrently.
type Stream struct {
	id    int
	tasks chan func()
	wg    sync.WaitGroup
}

func (s *Stream) worker() {
	for task := range s.tasks {
		task()
		s.wg.Done()
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() int { return s.id }

func (s *Stream) submit(task func()) {
	s.wg.Add(1)
	s.tasks <- task
}

// Engine owns the simulated device: its streams, its memory pools, and the
// launch machinery.
type Engine struct {
	config Config

	device *mempool.Pool
	zeroed *mempool.Pool
	pinned *mempool.Pool

	mu       sync.Mutex
	streams  []*Stream
	streamID int
	def      *Stream

	tracer atomic.Pointer[tracerBox]

	launches  atomic.Int64
	completed atomic.Int64
	seq       atomic.Int64
}

type tracerBox struct{ t Tracer }

// NewEngine creates an engine with the given configuration.
func NewEngine(config Config) *Engine {
	e := &Engine{
		config: config,
		device: mempool.NewPool(config.DevicePoolSize),
		zeroed: mempool.NewZeroedPool(config.ZeroedPoolSize),
		pinned: mempool.NewPinnedPool(config.PinnedPoolSize),
	}
	e.def = e.NewStream()
	return e
}

// DevicePool returns the scratch pool for per-launch device arrays.
func (e *Engine) DevicePool() *mempool.Pool { return e.device }

// ZeroedPool returns the zero-initialized pool used for completion counters
// and atomic accumulators.
func (e *Engine) ZeroedPool() *mempool.Pool { return e.zeroed }

// PinnedPool returns the pinned host pool used for result slots.
func (e *Engine) PinnedPool() *mempool.Pool { return e.pinned }

// DefaultStream returns the engine's default stream.
func (e *Engine) DefaultStream() *Stream { return e.def }

// SetTracer installs t as the engine tracer. Passing nil removes it.
func (e *Engine) SetTracer(t Tracer) {
	if t == nil {
		e.tracer.Store(nil)
		return
	}
	e.tracer.Store(&tracerBox{t: t})
}

// NewStream creates a new stream and starts its worker.
func (e *Engine) NewStream() *Stream {
	e.mu.Lock()
	e.streamID++
	s := &Stream{
		id:    e.streamID,
		tasks: make(chan func(), e.config.StreamDepth),
	}
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	go s.worker()
	return s
}

// Launch queues kernel over a grid×block geometry on stream. A nil stream
// targets the default stream. Attached resources are set up on the calling
// goroutine before the kernel is queued; if any setup fails, the launch fails
// as a whole and no work is queued. Launch returns as soon as the kernel is
// queued; use Synchronize to wait for completion.
func (e *Engine) Launch(grid, block Dim3, stream *Stream, kernel Kernel, resources ...Resource) error {
	if kernel == nil {
		return ErrNilKernel
	}
	if !grid.valid() || !block.valid() {
		return ErrInvalidDim
	}
	if block.Size() > WarpSize*MaxWarps {
		return fmt.Errorf("%w: %d threads", ErrBlockTooLarge, block.Size())
	}
	if stream == nil {
		stream = e.def
	}

	ls := &LaunchState{eng: e, stream: stream, grid: grid, block: block}
	run := &launchRun{
		resources: resources,
		hooks:     make([]LaunchHook, len(resources)),
	}
	for i, r := range resources {
		hook, err := r.SetupLaunch(ls)
		if err != nil {
			for j := 0; j < i; j++ {
				run.hooks[j].Teardown()
			}
			return fmt.Errorf("resource setup: %w", err)
		}
		run.hooks[i] = hook
	}

	seq := e.seq.Add(1)
	e.launches.Add(1)
	stream.submit(func() {
		start := time.Now()
		e.executeGrid(grid, block, kernel, run)
		for _, hook := range run.hooks {
			hook.Teardown()
		}
		e.completed.Add(1)
		if box := e.tracer.Load(); box != nil {
			box.t.KernelCompleted(KernelInfo{
				Stream:    stream.id,
				Seq:       seq,
				Grid:      grid,
				Block:     block,
				Resources: len(resources),
				Duration:  time.Since(start),
			})
		}
	})
	return nil
}

// executeGrid runs every thread of the launch as its own goroutine and waits
// for the whole grid. Blocks run concurrently; the core's completion
// handshakes assume every block is scheduled before any block can be "last",
// which holds because all block goroutines are live before this returns.
func (e *Engine) executeGrid(grid, block Dim3, kernel Kernel, run *launchRun) {
	numBlocks := grid.Size()
	numThreads := block.Size()

	var wg sync.WaitGroup
	wg.Add(numBlocks * numThreads)
	for b := 0; b < numBlocks; b++ {
		bs := newBlockState(numThreads)
		blockIdx := linearTo3D(b, grid)
		for i := 0; i < numThreads; i++ {
			t := &Thread{
				BlockIdx:  blockIdx,
				ThreadIdx: linearTo3D(i, block),
				BlockDim:  block,
				GridDim:   grid,
				block:     bs,
				run:       run,
			}
			go func(t *Thread) {
				defer wg.Done()
				for _, hook := range run.hooks {
					hook.ThreadStart(t)
				}
				kernel(t)
				for _, hook := range run.hooks {
					hook.ThreadFinish(t)
				}
			}(t)
		}
	}
	wg.Wait()
}

// Synchronize blocks until all work previously submitted to stream has
// completed. A nil stream targets the default stream.
func (e *Engine) Synchronize(ctx context.Context, stream *Stream) error {
	if stream == nil {
		stream = e.def
	}
	done := make(chan struct{})
	go func() {
		stream.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if box := e.tracer.Load(); box != nil {
		box.t.StreamSynchronized(stream.id)
	}
	return nil
}

// SynchronizeAll blocks until every stream has drained.
func (e *Engine) SynchronizeAll(ctx context.Context) error {
	e.mu.Lock()
	streams := make([]*Stream, len(e.streams))
	copy(streams, e.streams)
	e.mu.Unlock()
	for _, s := range streams {
		if err := e.Synchronize(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Stats contains engine counters.
type Stats struct {
	Launched  int64
	Completed int64
	Streams   int
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.streams)
	e.mu.Unlock()
	return Stats{
		Launched:  e.launches.Load(),
		Completed: e.completed.Load(),
		Streams:   n,
	}
}
