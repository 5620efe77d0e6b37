package cache

import (
	log "github.com/sirupsen/logrus"
)

// evictTo removes least recently used unpinned blocks, oldest first, until
// usage is at or below goal. Whole blocks only. Returns the bytes freed; stops
// early when every remaining block is pinned.
func (s *Store) evictTo(goal int64) int64 {
	if goal < 0 {
		goal = 0
	}
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	var freed int64
	for {
		over := s.ledger.Usage() - goal
		if over <= 0 {
			break
		}
		s.mu.Lock()
		victims := s.idx.victims(over)
		s.mu.Unlock()
		if len(victims) == 0 {
			log.Warnf("[Evict] %d bytes over goal but every block is pinned", over)
			break
		}
		for _, v := range victims {
			s.release(v)
			s.stats.evictions.Add(1)
			freed += v.size
			log.Tracef("[Evict] %s (%d bytes)", v.key, v.size)
		}
	}
	if freed > 0 {
		log.Debugf("[Evict] freed %d bytes, usage now %d (goal %d)", freed, s.ledger.Usage(), goal)
	}
	return freed
}
