package queue

import (
	"math/rand/v2"
	"slices"
	"testing"
)

func TestRandomSet_AddRemove(t *testing.T) {
	s := NewRandomSet("a", "b", "c")
	if s.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", s.Len())
	}
	if s.Add("a") {
		t.Error("Add of existing item should report false")
	}
	if !s.Remove("a") {
		t.Error("Remove of present item should report true")
	}
	if s.Remove("a") {
		t.Error("Remove of absent item should report false")
	}
	if s.Has("a") || !s.Has("b") || !s.Has("c") {
		t.Errorf("unexpected membership: %v", s.Items())
	}

	// The swapped-in element must still be removable by name.
	s.Remove("c")
	s.Remove("b")
	if s.Len() != 0 {
		t.Fatalf("expected empty set, got %v", s.Items())
	}
}

func TestRandomSet_RandomEmpty(t *testing.T) {
	s := NewRandomSet()
	if _, ok := s.Random(rand.New(rand.NewPCG(1, 1))); ok {
		t.Fatal("Random on empty set should report false")
	}
}

func TestRandomSet_RandomIsUniform(t *testing.T) {
	s := NewRandomSet("a", "b", "c", "d")
	r := rand.New(rand.NewPCG(7, 11))
	counts := map[string]int{}
	const draws = 40000
	for range draws {
		it, _ := s.Random(r)
		counts[it]++
	}
	for _, it := range []string{"a", "b", "c", "d"} {
		// Expected 10000 each; allow a generous band.
		if counts[it] < 9000 || counts[it] > 11000 {
			t.Errorf("item %q drawn %d times out of %d", it, counts[it], draws)
		}
	}
}

func TestRandomSet_ShuffledIsPermutation(t *testing.T) {
	s := NewRandomSet("a", "b", "c", "d", "e")
	got := s.Shuffled(rand.New(rand.NewPCG(3, 5)))
	slices.Sort(got)
	if !slices.Equal(got, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("Shuffled is not a permutation: %v", got)
	}
}
