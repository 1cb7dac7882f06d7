package model

// EnableSet is an append-only set. Members are never removed; Truncate exists
// only so an aborted call can discard the members it appended.
type EnableSet[K comparable] struct {
	members map[K]struct{}
	order   []K
}

// NewEnableSet returns an empty set.
func NewEnableSet[K comparable]() *EnableSet[K] {
	return &EnableSet[K]{members: make(map[K]struct{})}
}

// Add inserts k and reports whether it was newly added.
func (s *EnableSet[K]) Add(k K) bool {
	if _, ok := s.members[k]; ok {
		return false
	}
	s.members[k] = struct{}{}
	s.order = append(s.order, k)
	return true
}

// Has reports membership.
func (s *EnableSet[K]) Has(k K) bool {
	_, ok := s.members[k]
	return ok
}

// Len returns the number of members.
func (s *EnableSet[K]) Len() int { return len(s.order) }

// Members returns the members in insertion order.
func (s *EnableSet[K]) Members() []K {
	out := make([]K, len(s.order))
	copy(out, s.order)
	return out
}

// Truncate drops every member added after the set had n members.
func (s *EnableSet[K]) Truncate(n int) {
	for _, k := range s.order[n:] {
		delete(s.members, k)
	}
	s.order = s.order[:n]
}
