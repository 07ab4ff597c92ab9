package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// Alignment is the natural word alignment guaranteed for every pointer
// handed out by the allocator.
const Alignment = 8

type Number interface {
	~int | ~int64 | ~uint | ~uint64 | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}
