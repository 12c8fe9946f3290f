package reduce

import "github.com/neurogrid/warpreduce/pkg/device"

// Sum accumulates a grid-wide sum seeded with an initial value.
type Sum[T Value] struct {
	core[T]
}

// NewSum creates a tree-path sum handle.
func NewSum[T Value](eng *device.Engine, seed T) *Sum[T] {
	h := &Sum[T]{}
	h.init(h, eng, sumOp[T]{}, Tree, seed)
	return h
}

// NewSumAtomic creates a sum handle using the atomic grid path.
func NewSumAtomic[T Value](eng *device.Engine, seed T) *Sum[T] {
	h := &Sum[T]{}
	h.init(h, eng, sumOp[T]{}, Atomic, seed)
	return h
}

// Add folds v into the calling thread's accumulator.
func (s *Sum[T]) Add(t *device.Thread, v T) { s.Combine(t, v) }

// Min tracks a grid-wide minimum seeded with an initial value.
type Min[T Value] struct {
	core[T]
}

// NewMin creates a tree-path min handle.
func NewMin[T Value](eng *device.Engine, seed T) *Min[T] {
	h := &Min[T]{}
	h.init(h, eng, minOp[T]{}, Tree, seed)
	return h
}

// NewMinAtomic creates a min handle using the atomic grid path.
func NewMinAtomic[T Value](eng *device.Engine, seed T) *Min[T] {
	h := &Min[T]{}
	h.init(h, eng, minOp[T]{}, Atomic, seed)
	return h
}

// Min folds v into the calling thread's accumulator.
func (m *Min[T]) Min(t *device.Thread, v T) { m.Combine(t, v) }

// Max tracks a grid-wide maximum seeded with an initial value.
type Max[T Value] struct {
	core[T]
}

// NewMax creates a tree-path max handle.
func NewMax[T Value](eng *device.Engine, seed T) *Max[T] {
	h := &Max[T]{}
	h.init(h, eng, maxOp[T]{}, Tree, seed)
	return h
}

// NewMaxAtomic creates a max handle using the atomic grid path.
func NewMaxAtomic[T Value](eng *device.Engine, seed T) *Max[T] {
	h := &Max[T]{}
	h.init(h, eng, maxOp[T]{}, Atomic, seed)
	return h
}

// Max folds v into the calling thread's accumulator.
func (m *Max[T]) Max(t *device.Thread, v T) { m.Combine(t, v) }

// MinLoc tracks a grid-wide minimum together with the index it occurred at.
type MinLoc[T Value] struct {
	locCore[T]
}

// NewMinLoc creates a min-with-location handle seeded with an initial value
// and index. Pass -1 as seedIdx when the seed has no location.
func NewMinLoc[T Value](eng *device.Engine, seed T, seedIdx int64) *MinLoc[T] {
	h := &MinLoc[T]{}
	h.init(h, eng, minLocOp[T]{}, seed, seedIdx)
	return h
}

// MinLoc folds (v, i) into the calling thread's accumulator.
func (m *MinLoc[T]) MinLoc(t *device.Thread, v T, i int64) { m.Combine(t, v, i) }

// MaxLoc tracks a grid-wide maximum together with the index it occurred at.
type MaxLoc[T Value] struct {
	locCore[T]
}

// NewMaxLoc creates a max-with-location handle seeded with an initial value
// and index. Pass -1 as seedIdx when the seed has no location.
func NewMaxLoc[T Value](eng *device.Engine, seed T, seedIdx int64) *MaxLoc[T] {
	h := &MaxLoc[T]{}
	h.init(h, eng, maxLocOp[T]{}, seed, seedIdx)
	return h
}

// MaxLoc folds (v, i) into the calling thread's accumulator.
func (m *MaxLoc[T]) MaxLoc(t *device.Thread, v T, i int64) { m.Combine(t, v, i) }
