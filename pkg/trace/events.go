// Package trace records device activity — kernel completions and stream
// synchronizations — as compact wire records for offline tooling. Records
// are msgpack-encoded and batches can be written through an lz4-compressed
// sink.
package trace

import (
	"sync"
	"time"

	"github.com/neurogrid/warpreduce/pkg/device"
)

// EventType defines trace record types.
type EventType uint8

const (
	EventKernel EventType = 1 // a kernel completed
	EventSync   EventType = 2 // a stream was synchronized on host
)

// Event is the wire format for one trace record.
type Event struct {
	Type       EventType `msgpack:"t"`
	Stream     int       `msgpack:"s"`
	Seq        int64     `msgpack:"q"`
	Grid       [3]int    `msgpack:"g"`
	Block      [3]int    `msgpack:"b"`
	Resources  int       `msgpack:"r"`
	DurationNS int64     `msgpack:"d"`
	TimeNS     int64     `msgpack:"w"` // Unix nano
}

// Recorder collects events from a device engine. It implements
// device.Tracer and is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// KernelCompleted implements device.Tracer.
func (r *Recorder) KernelCompleted(info device.KernelInfo) {
	r.append(Event{
		Type:       EventKernel,
		Stream:     info.Stream,
		Seq:        info.Seq,
		Grid:       [3]int{info.Grid.X, info.Grid.Y, info.Grid.Z},
		Block:      [3]int{info.Block.X, info.Block.Y, info.Block.Z},
		Resources:  info.Resources,
		DurationNS: info.Duration.Nanoseconds(),
		TimeNS:     time.Now().UnixNano(),
	})
}

// StreamSynchronized implements device.Tracer.
func (r *Recorder) StreamSynchronized(stream int) {
	r.append(Event{
		Type:   EventSync,
		Stream: stream,
		TimeNS: time.Now().UnixNano(),
	})
}

func (r *Recorder) append(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Drain returns the recorded events and resets the recorder.
func (r *Recorder) Drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}
