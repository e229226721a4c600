package artifacts

import "sync"

// SeenSet holds every artifact address surfaced in the current batch. It only
// grows; Reset is called when a new batch starts. Safe for concurrent use.
type SeenSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewSeenSet returns an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[string]struct{})}
}

// Claim adds address and reports whether it was new. Exactly one caller wins
// for any address.
func (s *SeenSet) Claim(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[address]; ok {
		return false
	}
	s.seen[address] = struct{}{}
	s.order = append(s.order, address)
	return true
}

// Contains reports whether address was claimed.
func (s *SeenSet) Contains(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[address]
	return ok
}

// Len returns the number of claimed addresses.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Snapshot returns the addresses in claim order.
func (s *SeenSet) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Reset empties the set.
func (s *SeenSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{})
	s.order = nil
}
