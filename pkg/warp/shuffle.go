// Package warp provides type-generic lane shuffles over the device's
// warp-synchronous word exchange, plus the bitwise-zero predicate used by the
// atomic reduction path. Values move between lanes as ceil(sizeof(T)/4)
// 32-bit words, so any fixed-size scalar can be shuffled.
package warp

import (
	"unsafe"

	"github.com/neurogrid/warpreduce/pkg/device"
)

// Datum is a trivially bit-copyable scalar that can be sliced into 32-bit
// words for the lane exchange.
type Datum interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// ShuffleXor returns the value held by lane (lane ^ mask) of the calling
// thread's warp. All lanes of the warp must call it together.
func ShuffleXor[T Datum](t *device.Thread, v T, mask int) T {
	return shuffle(t, v, t.Lane()^mask)
}

// ShuffleIndexed returns the value held by srcLane of the calling thread's
// warp. The source lane is taken modulo the warp size; if the source lane
// holds no live thread the result is unspecified but the call never faults.
// All lanes of the warp must call it together.
func ShuffleIndexed[T Datum](t *device.Thread, v T, srcLane int) T {
	return shuffle(t, v, srcLane)
}

func shuffle[T Datum](t *device.Thread, v T, srcLane int) T {
	n := (int(unsafe.Sizeof(v)) + 3) / 4
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&v)), n)
	for i := range words {
		words[i] = t.ExchangeWord(words[i], srcLane)
	}
	return v
}

// IsBitwiseZero reports whether every byte of v is zero. The atomic path
// uses it to decide whether the zero-initialized accumulator already equals
// the reducer identity, making the explicit identity write unnecessary.
func IsBitwiseZero[T Datum](v T) bool {
	n := (int(unsafe.Sizeof(v)) + 3) / 4
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&v)), n)
	var acc uint32
	for _, w := range words {
		acc |= w
	}
	return acc == 0
}
