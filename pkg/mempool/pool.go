// Package mempool provides the memory pools backing the reduction core:
// device scratch, zero-initialized device scratch, and pinned host memory.
// On the simulated device all three hand out host memory; they differ in
// zeroing behavior and intent. Buffers are recycled through a free list and
// all pools are safe for concurrent use.
package mempool

import (
	"errors"
	"sync"
	"unsafe"
)

var (
	ErrPoolExhausted = errors.New("memory pool exhausted")
	ErrPoolClosed    = errors.New("memory pool closed")
	ErrForeignBuffer = errors.New("buffer does not belong to pool")
)

// Kind identifies what a pool models.
type Kind int

const (
	// Device is plain device scratch memory.
	Device Kind = iota
	// Zeroed is device memory guaranteed zero-initialized on every Alloc.
	Zeroed
	// Pinned is page-locked host memory addressable from the device.
	Pinned
)

// Pool manages fixed-capacity slab allocations. Slabs are 8-byte aligned so
// 64-bit values and atomics can live in them.
type Pool struct {
	kind        Kind
	maxSize     int64
	currentSize int64
	buffers     map[*byte]int // base pointer -> allocated size
	freeList    [][]byte
	mu          sync.Mutex
	closed      bool
}

// NewPool creates a device scratch pool with the given capacity in bytes.
func NewPool(maxSize int64) *Pool { return newPool(Device, maxSize) }

// NewZeroedPool creates a pool whose buffers are zeroed on every allocation.
func NewZeroedPool(maxSize int64) *Pool { return newPool(Zeroed, maxSize) }

// NewPinnedPool creates a pinned host memory pool.
func NewPinnedPool(maxSize int64) *Pool { return newPool(Pinned, maxSize) }

func newPool(kind Kind, maxSize int64) *Pool {
	return &Pool{
		kind:    kind,
		maxSize: maxSize,
		buffers: make(map[*byte]int),
	}
}

// Kind returns what the pool models.
func (p *Pool) Kind() Kind { return p.kind }

// AllocBytes allocates a buffer of size bytes from the pool.
func (p *Pool) AllocBytes(size int) ([]byte, error) {
	if size <= 0 {
		size = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	// Reuse a free buffer if one is large enough.
	for i, buf := range p.freeList {
		if cap(buf) >= size {
			p.freeList = append(p.freeList[:i], p.freeList[i+1:]...)
			out := buf[:size]
			if p.kind == Zeroed {
				clear(out)
			}
			return out, nil
		}
	}

	rounded := int64(size+7) &^ 7
	if p.currentSize+rounded > p.maxSize {
		p.compactFreeList()
		if p.currentSize+rounded > p.maxSize {
			return nil, ErrPoolExhausted
		}
	}

	// Back the slab with uint64 storage for 8-byte alignment.
	words := make([]uint64, rounded/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), rounded)
	p.buffers[&data[0]] = int(rounded)
	p.currentSize += rounded
	return data[:size], nil
}

// FreeBytes returns a buffer to the pool's free list.
func (p *Pool) FreeBytes(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	size, ok := p.buffers[&buf[0]]
	if !ok {
		return ErrForeignBuffer
	}
	// Typed slices from Alloc may carry a capacity below the slab size, so
	// rebuild the full slab from its base pointer.
	p.freeList = append(p.freeList, unsafe.Slice(&buf[0], size))
	return nil
}

// compactFreeList releases free buffers back to the system. Called with the
// mutex held.
func (p *Pool) compactFreeList() {
	for _, buf := range p.freeList {
		base := &buf[0]
		if size, ok := p.buffers[base]; ok {
			delete(p.buffers, base)
			p.currentSize -= int64(size)
		}
	}
	p.freeList = nil
}

// Close releases all pool memory. Outstanding buffers become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true
	p.buffers = nil
	p.freeList = nil
	p.currentSize = 0
	return nil
}

// Stats contains pool statistics.
type Stats struct {
	MaxSize     int64
	CurrentSize int64
	BufferCount int
	FreeCount   int
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize:     p.maxSize,
		CurrentSize: p.currentSize,
		BufferCount: len(p.buffers),
		FreeCount:   len(p.freeList),
	}
}

// Alloc allocates n elements of type T from p. The returned slice is backed
// by pool memory; release it with Free.
func Alloc[T any](p *Pool, n int) ([]T, error) {
	var zero T
	elem := int(unsafe.Sizeof(zero))
	buf, err := p.AllocBytes(n * elem)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), n), nil
}

// Free returns a slice obtained from Alloc to p.
func Free[T any](p *Pool, s []T) error {
	if len(s) == 0 {
		return nil
	}
	var zero T
	elem := int(unsafe.Sizeof(zero))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*elem)
	return p.FreeBytes(buf)
}
