package ydoc

import "errors"

// errMissingDependency means an operation refers to an element or object
// this replica has not integrated yet.
var errMissingDependency = errors.New("missing dependency")

type seqItem[T any] struct {
	id      ID
	origin  ID
	value   T
	deleted bool
}

// sequence is an RGA list. Items are kept in document order, tombstones
// included.
type sequence[T any] struct {
	items []*seqItem[T]
	index map[ID]*seqItem[T]
}

func newSequence[T any]() *sequence[T] {
	return &sequence[T]{index: make(map[ID]*seqItem[T])}
}

func (s *sequence[T]) position(id ID) int {
	for i, it := range s.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places it after its origin, skipping any items with a greater
// ID (concurrent inserts at the same origin that win the tie, and their
// descendants). Integrating a known ID is a no-op.
func (s *sequence[T]) integrate(it *seqItem[T]) error {
	if _, ok := s.index[it.id]; ok {
		return nil
	}

	pos := 0
	if !it.origin.IsZero() {
		originPos := s.position(it.origin)
		if originPos < 0 {
			return errMissingDependency
		}
		pos = originPos + 1
	}
	for pos < len(s.items) && it.id.Less(s.items[pos].id) {
		pos++
	}

	s.items = append(s.items, nil)
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = it
	s.index[it.id] = it
	return nil
}

func (s *sequence[T]) has(id ID) bool {
	_, ok := s.index[id]
	return ok
}

// remove tombstones id. Unknown ids are reported as missing.
func (s *sequence[T]) remove(id ID) error {
	it, ok := s.index[id]
	if !ok {
		return errMissingDependency
	}
	it.deleted = true
	return nil
}

// visible returns live items in document order.
func (s *sequence[T]) visible() []*seqItem[T] {
	out := make([]*seqItem[T], 0, len(s.items))
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

// originAt returns the ID of the visible item just before visible index i
// (zero for i == 0).
func (s *sequence[T]) originAt(i int) ID {
	if i <= 0 {
		return ID{}
	}
	seen := 0
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		seen++
		if seen == i {
			return it.id
		}
	}
	// Past the end: append after the last visible item.
	var last ID
	for _, it := range s.items {
		if !it.deleted {
			last = it.id
		}
	}
	return last
}

func (s *sequence[T]) length() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n++
		}
	}
	return n
}
