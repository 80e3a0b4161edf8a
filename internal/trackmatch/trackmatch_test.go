package trackmatch

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ident(v int) int { return v }

func collect(a, b []int) [][2]int {
	var out [][2]int
	for i, j := range Pairs(a, b, ident, ident) {
		out = append(out, [2]int{a[i], b[j]})
	}
	return out
}

func TestPairsSkipsOneSidedIDs(t *testing.T) {
	cases := []struct {
		name string
		a, b []int
		want [][2]int
	}{
		{"baseline has extra", []int{2, 5, 7}, []int{2, 7}, [][2]int{{2, 2}, {7, 7}}},
		{"working has extra", []int{2, 7}, []int{2, 5, 7}, [][2]int{{2, 2}, {7, 7}}},
		{"disjoint", []int{1, 3, 5}, []int{2, 4, 6}, nil},
		{"empty left", nil, []int{1, 2}, nil},
		{"empty right", []int{1, 2}, nil, nil},
		{"identical", []int{0, 3, 6}, []int{0, 3, 6}, [][2]int{{0, 0}, {3, 3}, {6, 6}}},
		{"trailing tail", []int{1, 9, 10}, []int{1, 2, 3}, [][2]int{{1, 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, collect(tc.a, tc.b))
		})
	}
}

func TestPairsVisitsEveryCommonIDOnce(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 50; round++ {
		a := sortedUnique(r, 40, 100)
		b := sortedUnique(r, 40, 100)

		seen := map[int]int{}
		for i, j := range Pairs(a, b, ident, ident) {
			if a[i] != b[j] {
				t.Fatalf("mismatched pair %d/%d", a[i], b[j])
			}
			seen[a[i]]++
		}

		for _, id := range a {
			want := 0
			if slices.Contains(b, id) {
				want = 1
			}
			if seen[id] != want {
				t.Fatalf("round %d: id %d visited %d times, want %d", round, id, seen[id], want)
			}
		}
	}
}

func TestPairsStopsEarly(t *testing.T) {
	n := 0
	for range Pairs([]int{1, 2, 3}, []int{1, 2, 3}, ident, ident) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestSorted(t *testing.T) {
	assert.True(t, Sorted([]int{1, 1, 2, 9}, ident))
	assert.True(t, Sorted([]int{}, ident))
	assert.False(t, Sorted([]int{3, 2}, ident))
}

func sortedUnique(r *rand.Rand, n, limit int) []int {
	set := map[int]bool{}
	for i := 0; i < n; i++ {
		set[r.IntN(limit)] = true
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
