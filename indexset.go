package keel

import "math/bits"

// IndexSet is a dense bit set over [0, capacity). The traversal hot path
// leans on the dense layout: Contains and AddUnsafely are single word ops,
// no hashing. Capacity is fixed at creation; callers size to the active body
// count or the constraint handle space.
type IndexSet struct {
	flags Buffer[uint64]
}

const indexSetShift = 6

func NewIndexSet(pool *BufferPool, capacity int) IndexSet {
	words := (capacity + 63) >> indexSetShift
	if words < 1 {
		words = 1
	}
	flags := BufferTake[uint64](pool, words)
	flags.Resize(words)
	clearWords(flags.Slice())
	return IndexSet{flags: flags}
}

func clearWords(w []uint64) {
	for i := range w {
		w[i] = 0
	}
}

func (s *IndexSet) Contains(index int) bool {
	return s.flags.At(index>>indexSetShift)&(1<<(uint(index)&63)) != 0
}

// AddUnsafely sets the bit without a membership check. The caller guarantees
// the index is absent and in range.
func (s *IndexSet) AddUnsafely(index int) {
	word := index >> indexSetShift
	s.flags.Set(word, s.flags.At(word)|1<<(uint(index)&63))
}

func (s *IndexSet) Remove(index int) {
	word := index >> indexSetShift
	s.flags.Set(word, s.flags.At(word)&^(1<<(uint(index)&63)))
}

func (s *IndexSet) Clear() {
	clearWords(s.flags.Slice())
}

// Count returns the number of set bits. Not on the hot path; used by tests.
func (s *IndexSet) Count() int {
	total := 0
	for _, w := range s.flags.Slice() {
		total += bits.OnesCount64(w)
	}
	return total
}

func (s *IndexSet) Return(pool *BufferPool) {
	s.flags.Return(pool)
	s.flags = Buffer[uint64]{}
}
