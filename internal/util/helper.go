// Package util holds small generic helpers shared by the go-cas packages.
package util

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0. When cloneSize
// is larger than src, the tail of the clone is zeroed.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// CopyClamped copies src into dst, zeroing whatever part of dst src does not cover, and
// returns the number of bytes taken from src.
func CopyClamped(dst, src []byte) int {
	n := copy(dst, src)
	clear(dst[n:])

	return n
}
