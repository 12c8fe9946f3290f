package reduce

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/neurogrid/warpreduce/pkg/device"
	"github.com/neurogrid/warpreduce/pkg/mempool"
)

func newEngine() *device.Engine {
	return device.NewEngine(device.DefaultConfig())
}

// forEach grid-strides over n elements from the calling thread.
func forEach(t *device.Thread, n int, fn func(i int)) {
	stride := t.NumBlocks() * t.NumThreads()
	for i := t.GlobalID(); i < n; i += stride {
		fn(i)
	}
}

func mustLaunch(t *testing.T, eng *device.Engine, grid, block device.Dim3, stream *device.Stream, kernel device.Kernel, res ...device.Resource) {
	t.Helper()
	if err := eng.Launch(grid, block, stream, kernel, res...); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
}

func TestSumTree_Int32(t *testing.T) {
	// 1..1000 over 4 blocks of 256 threads.
	eng := newEngine()
	h := NewSum[int32](eng, 0)

	data := make([]int32, 1000)
	for i := range data {
		data[i] = int32(i + 1)
	}
	mustLaunch(t, eng, device.Dim(4), device.Dim(256), nil, func(th *device.Thread) {
		forEach(th, len(data), func(i int) { h.Add(th, data[i]) })
	}, h)

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 500500 {
		t.Errorf("sum = %d, want 500500", got)
	}
}

func TestSumTree_SingleFullBlock(t *testing.T) {
	// 1024 contributions of 0.5 in one maximum-size block, seeded with 10.
	eng := newEngine()
	h := NewSum[float64](eng, 10.0)

	mustLaunch(t, eng, device.Dim(1), device.Dim(1024), nil, func(th *device.Thread) {
		h.Add(th, 0.5)
	}, h)

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 522.0 {
		t.Errorf("sum = %v, want 522.0", got)
	}
}

func TestMinAtomic_SingleBlock(t *testing.T) {
	// [5,3,9,3,7] padded with MaxInt32 to 128 elements, one block.
	eng := newEngine()
	h := NewMinAtomic[int32](eng, math.MaxInt32)

	data := make([]int32, 128)
	for i := range data {
		data[i] = math.MaxInt32
	}
	copy(data, []int32{5, 3, 9, 3, 7})

	mustLaunch(t, eng, device.Dim(1), device.Dim(128), nil, func(th *device.Thread) {
		h.Min(th, data[th.GlobalID()])
	}, h)

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 3 {
		t.Errorf("min = %d, want 3", got)
	}
}

func TestMaxAtomic_MultiBlock(t *testing.T) {
	// i*0.5 for i in 0..2047 over 8 blocks of 256; -Inf identity forces the
	// accumulator initializer handshake.
	eng := newEngine()
	h := NewMaxAtomic[float32](eng, float32(math.Inf(-1)))

	mustLaunch(t, eng, device.Dim(8), device.Dim(256), nil, func(th *device.Thread) {
		h.Max(th, float32(th.GlobalID())*0.5)
	}, h)

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 1023.5 {
		t.Errorf("max = %v, want 1023.5", got)
	}
}

func TestSumAtomic_MultiBlock(t *testing.T) {
	// Bitwise-zero identity: the zeroed accumulator is used as-is, but the
	// completion count must still wrap and publish exactly once.
	eng := newEngine()
	h := NewSumAtomic[int32](eng, 0)

	data := make([]int32, 1000)
	for i := range data {
		data[i] = int32(i + 1)
	}
	mustLaunch(t, eng, device.Dim(4), device.Dim(256), nil, func(th *device.Thread) {
		forEach(th, len(data), func(i int) { h.Add(th, data[i]) })
	}, h)

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 500500 {
		t.Errorf("sum = %d, want 500500", got)
	}
}

func TestMinLocTree(t *testing.T) {
	// [4,2,2,5] padded with +Inf; duplicated minimum must report the
	// smallest index.
	eng := newEngine()
	h := NewMinLoc[float64](eng, math.Inf(1), -1)

	data := make([]float64, 128)
	for i := range data {
		data[i] = math.Inf(1)
	}
	copy(data, []float64{4.0, 2.0, 2.0, 5.0})

	mustLaunch(t, eng, device.Dim(1), device.Dim(128), nil, func(th *device.Thread) {
		i := th.GlobalID()
		h.MinLoc(th, data[i], int64(i))
	}, h)

	ctx := context.Background()
	val, err := h.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	idx, err := h.GetLoc(ctx)
	if err != nil {
		t.Fatalf("GetLoc failed: %v", err)
	}
	if val != 2.0 || idx != 1 {
		t.Errorf("minloc = (%v, %d), want (2.0, 1)", val, idx)
	}
}

func TestMaxLocTree_MultiBlock(t *testing.T) {
	eng := newEngine()
	h := NewMaxLoc[float64](eng, math.Inf(-1), -1)

	data := make([]float64, 2048)
	for i := range data {
		data[i] = float64(i % 700)
	}
	// The maximum 699 occurs at 699, 1399, 2099(>len)... smallest is 699.
	mustLaunch(t, eng, device.Dim(8), device.Dim(256), nil, func(th *device.Thread) {
		i := th.GlobalID()
		h.MaxLoc(th, data[i], int64(i))
	}, h)

	ctx := context.Background()
	val, err := h.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	idx, err := h.GetLoc(ctx)
	if err != nil {
		t.Fatalf("GetLoc failed: %v", err)
	}
	if val != 699 || idx != 699 {
		t.Errorf("maxloc = (%v, %d), want (699, 699)", val, idx)
	}
}

func TestEmptyReduction_ReturnsSeed(t *testing.T) {
	eng := newEngine()
	ctx := context.Background()

	// Never launched: the seed comes back untouched.
	unused := NewSum[int32](eng, 7)
	if got, _ := unused.Get(ctx); got != 7 {
		t.Errorf("unlaunched sum = %d, want 7", got)
	}

	// Launched over an empty iteration space: every worker holds the
	// identity and the aggregate is absorbed by the seed.
	h := NewSum[int32](eng, 7)
	mustLaunch(t, eng, device.Dim(2), device.Dim(64), nil, func(th *device.Thread) {}, h)
	if got, _ := h.Get(ctx); got != 7 {
		t.Errorf("empty sum = %d, want 7", got)
	}

	m := NewMin[float64](eng, 1.25)
	mustLaunch(t, eng, device.Dim(2), device.Dim(64), nil, func(th *device.Thread) {}, m)
	if got, _ := m.Get(ctx); got != 1.25 {
		t.Errorf("empty min = %v, want 1.25", got)
	}
}

func TestSingleElement(t *testing.T) {
	eng := newEngine()
	ctx := context.Background()

	h := NewSum[int64](eng, 3)
	mustLaunch(t, eng, device.Dim(2), device.Dim(96), nil, func(th *device.Thread) {
		if th.GlobalID() == 17 {
			h.Add(th, 5)
		}
	}, h)
	if got, _ := h.Get(ctx); got != 8 {
		t.Errorf("sum = %d, want 8", got)
	}

	m := NewMin[int32](eng, 10)
	mustLaunch(t, eng, device.Dim(2), device.Dim(96), nil, func(th *device.Thread) {
		if th.GlobalID() == 0 {
			m.Min(th, 4)
		}
	}, m)
	if got, _ := m.Get(ctx); got != 4 {
		t.Errorf("min = %d, want 4", got)
	}
}

func TestSumTree_MatchesSerialAcrossGeometries(t *testing.T) {
	geometries := []struct {
		blocks, threads int
	}{
		{1, 1},
		{1, 32},
		{1, 33},
		{2, 48},
		{3, 100},
		{4, 256},
		{7, 33},
		{5, 1024},
	}

	rng := rand.New(rand.NewSource(42))
	data := make([]int64, 5000)
	var want int64
	for i := range data {
		data[i] = int64(rng.Intn(2000) - 1000)
		want += data[i]
	}

	for _, g := range geometries {
		eng := newEngine()
		h := NewSum[int64](eng, 0)
		mustLaunch(t, eng, device.Dim(g.blocks), device.Dim(g.threads), nil, func(th *device.Thread) {
			forEach(th, len(data), func(i int) { h.Add(th, data[i]) })
		}, h)
		got, err := h.Get(context.Background())
		if err != nil {
			t.Fatalf("%dx%d: Get failed: %v", g.blocks, g.threads, err)
		}
		if got != want {
			t.Errorf("%dx%d: sum = %d, want %d", g.blocks, g.threads, got, want)
		}
	}
}

func TestMinMax_RandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]int32, 3000)
	wantMin, wantMax := int32(math.MaxInt32), int32(math.MinInt32)
	for i := range data {
		data[i] = int32(rng.Intn(1 << 20))
		if data[i] < wantMin {
			wantMin = data[i]
		}
		if data[i] > wantMax {
			wantMax = data[i]
		}
	}

	for _, atomicPath := range []bool{false, true} {
		eng := newEngine()
		var mn *Min[int32]
		var mx *Max[int32]
		if atomicPath {
			mn = NewMinAtomic[int32](eng, math.MaxInt32)
			mx = NewMaxAtomic[int32](eng, math.MinInt32)
		} else {
			mn = NewMin[int32](eng, math.MaxInt32)
			mx = NewMax[int32](eng, math.MinInt32)
		}
		mustLaunch(t, eng, device.Dim(6), device.Dim(128), nil, func(th *device.Thread) {
			forEach(th, len(data), func(i int) {
				mn.Min(th, data[i])
				mx.Max(th, data[i])
			})
		}, mn, mx)

		ctx := context.Background()
		gotMin, err := mn.Get(ctx)
		if err != nil {
			t.Fatalf("min Get failed: %v", err)
		}
		gotMax, err := mx.Get(ctx)
		if err != nil {
			t.Fatalf("max Get failed: %v", err)
		}
		if gotMin != wantMin || gotMax != wantMax {
			t.Errorf("atomic=%v: got (%d, %d), want (%d, %d)",
				atomicPath, gotMin, gotMax, wantMin, wantMax)
		}
	}
}

// countTracer counts host stream synchronizations.
type countTracer struct {
	syncs atomic.Int32
}

func (c *countTracer) KernelCompleted(device.KernelInfo) {}
func (c *countTracer) StreamSynchronized(int)            { c.syncs.Add(1) }

func TestIdempotentRead(t *testing.T) {
	eng := newEngine()
	tracer := &countTracer{}
	eng.SetTracer(tracer)

	h := NewSum[int32](eng, 1)
	mustLaunch(t, eng, device.Dim(2), device.Dim(64), nil, func(th *device.Thread) {
		h.Add(th, 2)
	}, h)

	ctx := context.Background()
	first, err := h.Get(ctx)
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	syncsAfterFirst := tracer.syncs.Load()
	if syncsAfterFirst == 0 {
		t.Error("first read performed no synchronization")
	}

	second, err := h.Get(ctx)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if second != first {
		t.Errorf("second read %d differs from first %d", second, first)
	}
	if tracer.syncs.Load() != syncsAfterFirst {
		t.Error("second read synchronized a stream")
	}

	want := int32(1 + 2*2*64)
	if first != want {
		t.Errorf("sum = %d, want %d", first, want)
	}
}

func TestMultiStreamFolding(t *testing.T) {
	eng := newEngine()
	h := NewSum[int32](eng, 100)

	s1 := eng.NewStream()
	s2 := eng.NewStream()
	kernel := func(th *device.Thread) { h.Add(th, 1) }
	mustLaunch(t, eng, device.Dim(2), device.Dim(32), s1, kernel, h)
	mustLaunch(t, eng, device.Dim(3), device.Dim(32), s2, kernel, h)

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := int32(100 + 2*32 + 3*32)
	if got != want {
		t.Errorf("sum = %d, want %d", got, want)
	}
}

func TestMultiLaunchTally(t *testing.T) {
	eng := newEngine()
	h := NewSum[int64](eng, 0)
	stream := eng.NewStream()

	const launches = 5
	for i := 0; i < launches; i++ {
		mustLaunch(t, eng, device.Dim(2), device.Dim(48), stream, func(th *device.Thread) {
			forEach(th, 100, func(j int) { h.Add(th, int64(j+1)) })
		}, h)
	}

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != launches*5050 {
		t.Errorf("sum = %d, want %d", got, launches*5050)
	}
}

func TestAtomicInitializer_NonzeroIdentity(t *testing.T) {
	// If any block folded the accumulator's raw zero instead of the +Inf-like
	// identity, a min over all-positive data would come back 0.
	for iter := 0; iter < 30; iter++ {
		eng := newEngine()
		h := NewMinAtomic[int32](eng, math.MaxInt32)
		mustLaunch(t, eng, device.Dim(5), device.Dim(64), nil, func(th *device.Thread) {
			h.Min(th, int32(42+th.GlobalID()))
		}, h)
		got, err := h.Get(context.Background())
		if err != nil {
			t.Fatalf("iter %d: Get failed: %v", iter, err)
		}
		if got != 42 {
			t.Fatalf("iter %d: min = %d, want 42", iter, got)
		}
	}
}

func TestRandomizedLaunches_SinglePublisher(t *testing.T) {
	// Across randomized geometries every contribution must land exactly
	// once; a double or missing slot publish shows up as a wrong sum.
	rng := rand.New(rand.NewSource(99))
	for iter := 0; iter < 200; iter++ {
		blocks := 1 + rng.Intn(6)
		threads := 1 + rng.Intn(128)
		variantAtomic := rng.Intn(2) == 1

		eng := newEngine()
		var h *Sum[int64]
		if variantAtomic {
			h = NewSumAtomic[int64](eng, 0)
		} else {
			h = NewSum[int64](eng, 0)
		}
		mustLaunch(t, eng, device.Dim(blocks), device.Dim(threads), nil, func(th *device.Thread) {
			h.Add(th, int64(th.GlobalID()+1))
		}, h)

		got, err := h.Get(context.Background())
		if err != nil {
			t.Fatalf("iter %d: Get failed: %v", iter, err)
		}
		n := int64(blocks * threads)
		want := n * (n + 1) / 2
		if got != want {
			t.Fatalf("iter %d (%dx%d atomic=%v): sum = %d, want %d",
				iter, blocks, threads, variantAtomic, got, want)
		}
	}
}

func TestWorkerForkClose(t *testing.T) {
	eng := newEngine()
	h := NewSum[int32](eng, 0)

	mustLaunch(t, eng, device.Dim(1), device.Dim(64), nil, func(th *device.Thread) {
		w := h.At(th)
		child := w.Fork()
		child.Combine(3)
		child.Close()
		// Closing the top-level worker is a no-op; the engine finalizes it.
		w.Close()
	}, h)

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 3*64 {
		t.Errorf("sum = %d, want %d", got, 3*64)
	}
}

func TestConcurrentHostLaunches(t *testing.T) {
	eng := newEngine()
	h := NewSum[int64](eng, 0)

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stream := eng.NewStream()
			errs[i] = eng.Launch(device.Dim(3), device.Dim(64), stream, func(th *device.Thread) {
				h.Add(th, 1)
			}, h)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("launch %d failed: %v", i, err)
		}
	}

	got, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != workers*3*64 {
		t.Errorf("sum = %d, want %d", got, workers*3*64)
	}
}

func TestLaunch_PinnedPoolExhaustion(t *testing.T) {
	cfg := device.DefaultConfig()
	cfg.PinnedPoolSize = 1 // too small for any slot
	eng := device.NewEngine(cfg)
	h := NewSum[int32](eng, 0)

	err := eng.Launch(device.Dim(2), device.Dim(32), nil, func(th *device.Thread) {
		h.Add(th, 1)
	}, h)
	if !errors.Is(err, mempool.ErrPoolExhausted) {
		t.Fatalf("got %v, want ErrPoolExhausted", err)
	}

	// The failed launch queued no work; the seed comes back.
	if got, _ := h.Get(context.Background()); got != 0 {
		t.Errorf("sum after failed launch = %d, want 0", got)
	}
}

func TestUnevenBlocks_PartialWarpReduction(t *testing.T) {
	// Block sizes that are not warp multiples use the guarded indexed
	// shuffle; make sure no phantom lane value is folded in.
	for _, threads := range []int{3, 31, 33, 47, 95} {
		eng := newEngine()
		h := NewSum[int32](eng, 0)
		mustLaunch(t, eng, device.Dim(2), device.Dim(threads), nil, func(th *device.Thread) {
			h.Add(th, 1)
		}, h)
		got, err := h.Get(context.Background())
		if err != nil {
			t.Fatalf("threads=%d: Get failed: %v", threads, err)
		}
		if got != int32(2*threads) {
			t.Errorf("threads=%d: sum = %d, want %d", threads, got, 2*threads)
		}
	}
}
