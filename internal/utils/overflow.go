package utils

import (
	"fmt"
	"math"
)

// SafeMultiply returns a*b, or an error when the product does not fit in
// a uint64.
func SafeMultiply(a, b uint64) (uint64, error) {
	if a != 0 && b > math.MaxUint64/a {
		return 0, fmt.Errorf("multiplication overflow: %d * %d", a, b)
	}
	return a * b, nil
}

// ElementCount returns the number of elements described by shape.
// A rank-0 shape describes a single scalar element.
func ElementCount(shape []uint64) (uint64, error) {
	count := uint64(1)
	for i, dim := range shape {
		next, err := SafeMultiply(count, dim)
		if err != nil {
			return 0, fmt.Errorf("element count overflow at dimension %d: %w", i, err)
		}
		count = next
	}
	return count, nil
}

// ByteSize returns the number of bytes needed by an array of shape with
// elementSize-byte elements, guarding against overflow from hostile headers.
func ByteSize(shape []uint64, elementSize uint64) (uint64, error) {
	if elementSize == 0 {
		return 0, fmt.Errorf("element size cannot be zero")
	}

	count, err := ElementCount(shape)
	if err != nil {
		return 0, err
	}

	size, err := SafeMultiply(count, elementSize)
	if err != nil {
		return 0, fmt.Errorf("byte size overflow (elements: %d, elem size: %d): %w", count, elementSize, err)
	}

	if size > math.MaxInt {
		return 0, fmt.Errorf("byte size %d exceeds addressable memory", size)
	}
	return size, nil
}
