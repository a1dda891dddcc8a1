package live

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// recentSet remembers condition ids admitted within the last ttl.
type recentSet struct {
	ttl time.Duration

	mu        sync.Mutex
	seen      map[common.Hash]time.Time
	lastPrune time.Time
}

func newRecentSet(ttl time.Duration) *recentSet {
	return &recentSet{
		ttl:  ttl,
		seen: make(map[common.Hash]time.Time),
	}
}

// Admit reports whether id has not been admitted within the window, and
// records it if so.
func (s *recentSet) Admit(id common.Hash, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) >= s.ttl {
		for k, at := range s.seen {
			if now.Sub(at) >= s.ttl {
				delete(s.seen, k)
			}
		}
		s.lastPrune = now
	}

	if at, ok := s.seen[id]; ok && now.Sub(at) < s.ttl {
		return false
	}
	s.seen[id] = now
	return true
}

// Forget drops id so its next delivery is admitted.
func (s *recentSet) Forget(id common.Hash) {
	s.mu.Lock()
	delete(s.seen, id)
	s.mu.Unlock()
}

// Len returns the number of tracked ids, including expired ones not yet pruned.
func (s *recentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
