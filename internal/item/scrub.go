package item

// Scrubber: a single background pass that unlinks expired or zombie items
// whose refcount is 1, refusing to start a second pass while one is
// running (SPEC_FULL.md §4.2 "Scrubber"). Modeled as a one-shot "run"
// request reporting completion via shared counters (SPEC_FULL.md §9
// Design Note: "The scrubber takes a one-shot run request and reports
// completion via a shared status struct"), guarded by its own
// scrubber.lock per §5, never held alongside items.lock.

// ScrubStats is the point-in-time snapshot exposed under stats "scrub".
type ScrubStats struct {
	Running bool
	Visited int
	Cleaned int
	Started int
	Stopped int
}

// StartScrub begins one scrub pass synchronously within the caller's
// goroutine. internal/engine.Engine submits this through internal/execpool
// instead of calling it inline whenever it was built with a pool. Returns
// Busy if a pass is already running.
func (s *Store) StartScrub(now uint32) Code {
	s.scrubMu.Lock()
	if s.scrubbing {
		s.scrubMu.Unlock()
		return Busy
	}
	s.scrubbing = true
	s.scrubStarted++
	s.scrubMu.Unlock()

	visited, cleaned := s.scrubPass(now)

	s.scrubMu.Lock()
	s.scrubbing = false
	s.scrubVisited += visited
	s.scrubCleaned += cleaned
	s.scrubStopped++
	s.scrubMu.Unlock()
	return OK
}

// scrubPass walks every hash bucket once, unlinking expired or zombie
// items with refcount == 1.
func (s *Store) scrubPass(now uint32) (visited, cleaned int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range [][]*Item{s.buckets, s.oldBuckets} {
		for idx := range table {
			it := table[idx]
			for it != nil {
				next := it.hashNext
				visited++
				if it.Refcount() == 1 && (it.Expired(now) || it.IsZombie()) {
					h := hashKey(it.Key)
					s.unlinkLocked(it, h)
					cleaned++
				}
				it = next
			}
		}
	}
	return visited, cleaned
}

// ScrubStatsSnapshot returns the scrubber's current counters.
func (s *Store) ScrubStatsSnapshot() ScrubStats {
	s.scrubMu.Lock()
	defer s.scrubMu.Unlock()
	return ScrubStats{
		Running: s.scrubbing,
		Visited: s.scrubVisited,
		Cleaned: s.scrubCleaned,
		Started: s.scrubStarted,
		Stopped: s.scrubStopped,
	}
}
