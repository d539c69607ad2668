package mathhelp

import "golang.org/x/exp/constraints"

// CeilDiv divides rounding up, for non-negative a and positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}
