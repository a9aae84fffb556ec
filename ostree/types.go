// Package ostree provides an ordered map that also supports positional access.
//
// The tree is an AVL tree whose nodes live in a single slice and refer to each other by index.
// Every node knows the size of its left and right subtrees, so rank and select are logarithmic,
// and every node is threaded onto a doubly-linked list in key order for constant-time neighbour
// hops and iteration.
package ostree

import (
	"errors"
)

// CompareFunc compares two keys.
// It should return:
//   - a negative integer if a < b
//   - zero if a == b
//   - a positive integer if a > b
type CompareFunc[K any] func(a, b K) int

// Entry is a key and its value, as returned by positional lookups.
type Entry[K, V any] struct {
	Key   K
	Value V
}

var (
	// ErrOutOfRange is returned by positional lookups for an index outside [0,Len).
	ErrOutOfRange = errors.New("ostree: index out of range")
)
