// Package trackmatch pairs observations of two sequences that are both
// ordered by track id, the way a sorted merge join does.
package trackmatch

import "iter"

// Pairs yields the index pairs (i, j) for which key(a[i]) == key(b[j]).
//
// Both slices must be in non-decreasing key order. A single cursor walks b
// while a is scanned front to back, so ids present on only one side are
// skipped. When a repeats an id, every repeat is paired with the same
// element of b.
func Pairs[A, B any](a []A, b []B, keyA func(A) int, keyB func(B) int) iter.Seq2[int, int] {
	return func(yield func(int, int) bool) {
		j := 0
		for i := range a {
			id := keyA(a[i])
			for j < len(b) && keyB(b[j]) < id {
				j++
			}
			if j == len(b) {
				return
			}
			if keyB(b[j]) == id {
				if !yield(i, j) {
					return
				}
			}
		}
	}
}

// Sorted reports whether s is in non-decreasing key order.
func Sorted[T any](s []T, key func(T) int) bool {
	for i := 1; i < len(s); i++ {
		if key(s[i]) < key(s[i-1]) {
			return false
		}
	}
	return true
}
