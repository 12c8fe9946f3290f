package reduce

import "math"

// largest returns the maximum representable value of T; +Inf for floats.
func largest[T Value]() T {
	var v T
	switch p := any(&v).(type) {
	case *int32:
		*p = math.MaxInt32
	case *int64:
		*p = math.MaxInt64
	case *uint32:
		*p = math.MaxUint32
	case *uint64:
		*p = math.MaxUint64
	case *float32:
		*p = float32(math.Inf(1))
	case *float64:
		*p = math.Inf(1)
	}
	return v
}

// smallest returns the minimum representable value of T; -Inf for floats.
func smallest[T Value]() T {
	var v T
	switch p := any(&v).(type) {
	case *int32:
		*p = math.MinInt32
	case *int64:
		*p = math.MinInt64
	case *uint32:
		*p = 0
	case *uint64:
		*p = 0
	case *float32:
		*p = float32(math.Inf(-1))
	case *float64:
		*p = math.Inf(-1)
	}
	return v
}
