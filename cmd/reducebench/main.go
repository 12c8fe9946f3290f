// Package main provides a CLI for exercising device reductions.
//
// It fills a buffer with generated data, runs the selected reduction over a
// chosen grid geometry, and prints the result together with engine and pool
// statistics as JSON.
//
// Usage:
//
//	# Tree-path sum of 100000 generated values over 16 blocks of 256 threads
//	reducebench -op sum -n 100000 -blocks 16 -threads 256
//
//	# Atomic-path max over two streams
//	reducebench -op max -variant atomic -launches 2 -multi-stream
//
//	# Min-with-location with a trace file
//	reducebench -op minloc -n 4096 -trace trace.bin
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/neurogrid/warpreduce/pkg/device"
	"github.com/neurogrid/warpreduce/pkg/mempool"
	"github.com/neurogrid/warpreduce/pkg/reduce"
	"github.com/neurogrid/warpreduce/pkg/trace"
)

// Config holds CLI configuration
type Config struct {
	Op          string
	Variant     string
	N           int
	Blocks      int
	Threads     int
	Launches    int
	MultiStream bool
	Seed        int64
	TraceFile   string
}

// Output is the JSON result format
type Output struct {
	Op          string        `json:"op"`
	Variant     string        `json:"variant"`
	N           int           `json:"n"`
	Blocks      int           `json:"blocks"`
	Threads     int           `json:"threads"`
	Launches    int           `json:"launches"`
	Result      float64       `json:"result"`
	ResultIndex int64         `json:"result_index,omitempty"`
	Expected    float64       `json:"expected"`
	Elapsed     string        `json:"elapsed"`
	Engine      device.Stats  `json:"engine"`
	DevicePool  mempool.Stats `json:"device_pool"`
	PinnedPool  mempool.Stats `json:"pinned_pool"`
}

func main() {
	cfg := parseFlags()

	eng := device.NewEngine(device.DefaultConfig())

	var recorder *trace.Recorder
	if cfg.TraceFile != "" {
		recorder = trace.NewRecorder()
		eng.SetTracer(recorder)
	}

	out, err := run(eng, cfg)
	if err != nil {
		log.Fatalf("reduction failed: %v", err)
	}

	if recorder != nil {
		if err := writeTrace(cfg.TraceFile, recorder); err != nil {
			log.Fatalf("write trace: %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Op, "op", "sum", "reduction: sum, min, max, minloc, maxloc")
	flag.StringVar(&cfg.Variant, "variant", "tree", "grid path: tree or atomic")
	flag.IntVar(&cfg.N, "n", 1<<20, "number of input elements")
	flag.IntVar(&cfg.Blocks, "blocks", 64, "grid block count")
	flag.IntVar(&cfg.Threads, "threads", 256, "threads per block")
	flag.IntVar(&cfg.Launches, "launches", 1, "kernel launches against the same handle")
	flag.BoolVar(&cfg.MultiStream, "multi-stream", false, "use one stream per launch")
	flag.Int64Var(&cfg.Seed, "seed", 1, "input generator seed")
	flag.StringVar(&cfg.TraceFile, "trace", "", "write an lz4-compressed trace batch to this file")
	flag.Parse()
	return cfg
}

func run(eng *device.Engine, cfg Config) (*Output, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	data := make([]float64, cfg.N)
	for i := range data {
		data[i] = rng.Float64()*200 - 100
	}

	atomic := cfg.Variant == "atomic"
	grid := device.Dim(cfg.Blocks)
	block := device.Dim(cfg.Threads)
	ctx := context.Background()
	start := time.Now()

	out := &Output{
		Op:       cfg.Op,
		Variant:  cfg.Variant,
		N:        cfg.N,
		Blocks:   cfg.Blocks,
		Threads:  cfg.Threads,
		Launches: cfg.Launches,
	}

	streamFor := func(i int) *device.Stream {
		if cfg.MultiStream {
			return eng.NewStream()
		}
		return nil
	}

	switch cfg.Op {
	case "sum":
		var h *reduce.Sum[float64]
		if atomic {
			h = reduce.NewSumAtomic[float64](eng, 0)
		} else {
			h = reduce.NewSum[float64](eng, 0)
		}
		for i := 0; i < cfg.Launches; i++ {
			err := eng.Launch(grid, block, streamFor(i), func(t *device.Thread) {
				forEach(t, cfg.N, func(idx int) { h.Add(t, data[idx]) })
			}, h)
			if err != nil {
				return nil, err
			}
		}
		res, err := h.Get(ctx)
		if err != nil {
			return nil, err
		}
		out.Result = res
		expected := 0.0
		for _, v := range data {
			expected += v
		}
		out.Expected = expected * float64(cfg.Launches)

	case "min", "max":
		res, expected, err := runMinMax(eng, cfg, data, grid, block, atomic, streamFor)
		if err != nil {
			return nil, err
		}
		out.Result = res
		out.Expected = expected

	case "minloc", "maxloc":
		res, idx, expected, err := runLoc(eng, cfg, data, grid, block, streamFor)
		if err != nil {
			return nil, err
		}
		out.Result = res
		out.ResultIndex = idx
		out.Expected = expected

	default:
		return nil, fmt.Errorf("unknown op %q", cfg.Op)
	}

	out.Elapsed = time.Since(start).String()
	out.Engine = eng.Stats()
	out.DevicePool = eng.DevicePool().Stats()
	out.PinnedPool = eng.PinnedPool().Stats()
	return out, nil
}

func runMinMax(eng *device.Engine, cfg Config, data []float64, grid, block device.Dim3, atomic bool, streamFor func(int) *device.Stream) (float64, float64, error) {
	ctx := context.Background()
	if cfg.Op == "min" {
		var h *reduce.Min[float64]
		if atomic {
			h = reduce.NewMinAtomic[float64](eng, data[0])
		} else {
			h = reduce.NewMin[float64](eng, data[0])
		}
		for i := 0; i < cfg.Launches; i++ {
			err := eng.Launch(grid, block, streamFor(i), func(t *device.Thread) {
				forEach(t, cfg.N, func(idx int) { h.Min(t, data[idx]) })
			}, h)
			if err != nil {
				return 0, 0, err
			}
		}
		res, err := h.Get(ctx)
		if err != nil {
			return 0, 0, err
		}
		expected := data[0]
		for _, v := range data {
			if v < expected {
				expected = v
			}
		}
		return res, expected, nil
	}

	var h *reduce.Max[float64]
	if atomic {
		h = reduce.NewMaxAtomic[float64](eng, data[0])
	} else {
		h = reduce.NewMax[float64](eng, data[0])
	}
	for i := 0; i < cfg.Launches; i++ {
		err := eng.Launch(grid, block, streamFor(i), func(t *device.Thread) {
			forEach(t, cfg.N, func(idx int) { h.Max(t, data[idx]) })
		}, h)
		if err != nil {
			return 0, 0, err
		}
	}
	res, err := h.Get(ctx)
	if err != nil {
		return 0, 0, err
	}
	expected := data[0]
	for _, v := range data {
		if v > expected {
			expected = v
		}
	}
	return res, expected, nil
}

func runLoc(eng *device.Engine, cfg Config, data []float64, grid, block device.Dim3, streamFor func(int) *device.Stream) (float64, int64, float64, error) {
	ctx := context.Background()
	if cfg.Op == "minloc" {
		h := reduce.NewMinLoc[float64](eng, data[0], -1)
		for i := 0; i < cfg.Launches; i++ {
			err := eng.Launch(grid, block, streamFor(i), func(t *device.Thread) {
				forEach(t, cfg.N, func(idx int) { h.MinLoc(t, data[idx], int64(idx)) })
			}, h)
			if err != nil {
				return 0, 0, 0, err
			}
		}
		res, err := h.Get(ctx)
		if err != nil {
			return 0, 0, 0, err
		}
		idx, err := h.GetLoc(ctx)
		if err != nil {
			return 0, 0, 0, err
		}
		expected := data[0]
		for _, v := range data {
			if v < expected {
				expected = v
			}
		}
		return res, idx, expected, nil
	}

	h := reduce.NewMaxLoc[float64](eng, data[0], -1)
	for i := 0; i < cfg.Launches; i++ {
		err := eng.Launch(grid, block, streamFor(i), func(t *device.Thread) {
			forEach(t, cfg.N, func(idx int) { h.MaxLoc(t, data[idx], int64(idx)) })
		}, h)
		if err != nil {
			return 0, 0, 0, err
		}
	}
	res, err := h.Get(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	idx, err := h.GetLoc(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	expected := data[0]
	for _, v := range data {
		if v > expected {
			expected = v
		}
	}
	return res, idx, expected, nil
}

// forEach grid-strides over n elements from the calling thread.
func forEach(t *device.Thread, n int, fn func(idx int)) {
	stride := t.NumBlocks() * t.NumThreads()
	for i := t.GlobalID(); i < n; i += stride {
		fn(i)
	}
}

func writeTrace(path string, recorder *trace.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sink := trace.NewSink(f)
	return sink.WriteBatch(recorder.Drain())
}
