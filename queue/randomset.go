package queue

import "math/rand/v2"

// RandomSet is a set of strings with O(1) add, remove and uniform random
// pick. It is not safe for concurrent use.
type RandomSet struct {
	items []string
	index map[string]int
}

// NewRandomSet returns a set holding items.
func NewRandomSet(items ...string) *RandomSet {
	s := &RandomSet{index: make(map[string]int, len(items))}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add inserts item. It reports whether the item was new.
func (s *RandomSet) Add(item string) bool {
	if _, ok := s.index[item]; ok {
		return false
	}
	s.index[item] = len(s.items)
	s.items = append(s.items, item)
	return true
}

// Remove deletes item by swapping the last element into its slot.
// It reports whether the item was present.
func (s *RandomSet) Remove(item string) bool {
	i, ok := s.index[item]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	s.items[i] = s.items[last]
	s.index[s.items[i]] = i
	s.items = s.items[:last]
	delete(s.index, item)
	return true
}

// Has reports whether item is in the set.
func (s *RandomSet) Has(item string) bool {
	_, ok := s.index[item]
	return ok
}

// Len returns the number of items.
func (s *RandomSet) Len() int { return len(s.items) }

// Random returns a uniformly chosen item, or false when the set is empty.
func (s *RandomSet) Random(r *rand.Rand) (string, bool) {
	if len(s.items) == 0 {
		return "", false
	}
	return s.items[r.IntN(len(s.items))], true
}

// Shuffled returns the items in a uniformly random order. Walking the
// result is equivalent to repeatedly picking a random item and removing it.
func (s *RandomSet) Shuffled(r *rand.Rand) []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Items returns a copy of the items in unspecified order.
func (s *RandomSet) Items() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}
