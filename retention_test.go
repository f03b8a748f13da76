package ledgertwin

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRing(t *testing.T) {
	r := newRing[int](3)
	if got := r.values(); len(got) != 0 {
		t.Errorf("values() of empty ring = %v", got)
	}
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	if diff := cmp.Diff([]int{3, 4, 5}, r.values()); diff != "" {
		t.Errorf("values() mismatch (-want +got):\n%s", diff)
	}

	t.Run("zero capacity", func(t *testing.T) {
		r := newRing[int](0)
		r.push(1)
		if r.len() != 0 {
			t.Errorf("len() = %d, want 0", r.len())
		}
	})
}

func TestReservoir(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	r := newReservoir[int](10)
	for i := range 1000 {
		r.offer(i, rnd)
	}
	if got := len(r.values()); got != 10 {
		t.Errorf("retained %d values, want 10", got)
	}
	if got := r.seenCount(); got != 1000 {
		t.Errorf("seenCount() = %d, want 1000", got)
	}

	t.Run("deterministic", func(t *testing.T) {
		a, b := newReservoir[int](10), newReservoir[int](10)
		ra, rb := rand.New(rand.NewPCG(7, 7)), rand.New(rand.NewPCG(7, 7))
		for i := range 1000 {
			a.offer(i, ra)
			b.offer(i, rb)
		}
		if diff := cmp.Diff(a.values(), b.values()); diff != "" {
			t.Errorf("equally seeded reservoirs differ (-a +b):\n%s", diff)
		}
	})
}

func TestRecentIDs(t *testing.T) {
	s := newRecentIDs(2)
	for _, tt := range []struct {
		ID   string
		Want bool
	}{
		{"a", true},
		{"a", false},
		{"b", true},
		{"c", true}, // evicts a
		{"b", false},
		{"a", true},
		{"", true},
		{"", true},
	} {
		if got := s.add(tt.ID); got != tt.Want {
			t.Errorf("add(%q) = %v, want %v", tt.ID, got, tt.Want)
		}
	}
	if len(s.seen) != 2 {
		t.Errorf("remembers %d IDs, want 2", len(s.seen))
	}
}
