package model

import (
	"fmt"
	"sort"
)

// RangeMap is a map from disjoint half-open key ranges to values of type
// T. Gaps between inserted ranges implicitly hold the zero
// value of T, which keeps it logically contiguous over AllKeys without
// requiring every caller to splice segments explicitly.
type RangeMap[T any] struct {
	entries []rangeEntry[T]
}

type rangeEntry[T any] struct {
	r KeyRange
	v T
}

// NewRangeMap creates an empty RangeMap.
func NewRangeMap[T any]() *RangeMap[T] {
	return &RangeMap[T]{}
}

// Insert records v for range r. It returns an error if r overlaps any
// previously-inserted range.
func (m *RangeMap[T]) Insert(r KeyRange, v T) error {
	for _, e := range m.entries {
		if overlaps(e.r, r) {
			return fmt.Errorf("range map: insert of %v overlaps existing range %v", r, e.r)
		}
	}
	idx := sort.Search(len(m.entries), func(i int) bool { return compareKeys(m.entries[i].r.Begin, r.Begin) >= 0 })
	m.entries = append(m.entries, rangeEntry[T]{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = rangeEntry[T]{r: r, v: v}
	return nil
}

// Get returns the value and true if some inserted range contains k;
// otherwise the zero value and false.
func (m *RangeMap[T]) Get(k Key) (T, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return compareKeys(m.entries[i].r.Begin, k) > 0 })
	if i > 0 && m.entries[i-1].r.Contains(k) {
		return m.entries[i-1].v, true
	}
	var zero T
	return zero, false
}

// Intersecting returns every inserted range overlapping r, in key order.
func (m *RangeMap[T]) Intersecting(r KeyRange) []struct {
	Range KeyRange
	Value T
} {
	var out []struct {
		Range KeyRange
		Value T
	}
	for _, e := range m.entries {
		if overlaps(e.r, r) {
			out = append(out, struct {
				Range KeyRange
				Value T
			}{e.r, e.v})
		}
	}
	return out
}

// Len returns the number of inserted ranges.
func (m *RangeMap[T]) Len() int { return len(m.entries) }

func overlaps(a, b KeyRange) bool {
	if a.End != nil && compareKeys(b.Begin, a.End) >= 0 {
		return false
	}
	if b.End != nil && compareKeys(a.Begin, b.End) >= 0 {
		return false
	}
	return true
}

func compareKeys(a, b Key) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	if KeyLess(a, b) {
		return -1
	}
	if KeyLess(b, a) {
		return 1
	}
	return 0
}
