package download

import (
	"errors"
	"io/fs"
	"sync"
)

// maxSkips bounds how many taken numbers one Commit steps over.
const maxSkips = 10000

// Sequence numbers output files 1, 2, 3, ... within one batch. A number is
// taken only when a file is committed, so failed downloads leave no gaps.
type Sequence struct {
	mu sync.Mutex
	n  int
}

// NewSequence returns a sequence whose next number is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Commit calls fn with the next number and takes that number only when fn
// succeeds. A number fn reports as taken (fs.ErrExist) is stepped over, so
// files already in the directory are never replaced. Commits are serialized.
func (s *Sequence) Commit(fn func(seq int) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.n + 1
	for skipped := 0; ; skipped++ {
		err := fn(next)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) || skipped >= maxSkips {
			return 0, err
		}
		next++
	}
	s.n = next
	return next, nil
}

// Current returns the last committed number, 0 before the first.
func (s *Sequence) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset starts the numbering over. Called only for a new batch.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
