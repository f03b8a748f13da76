package ledgertwin

// recentIDs remembers the last cap event IDs folded into a store. Membership
// is exact within that window; IDs evicted from it are forgotten, so a
// duplicate arriving after cap newer events is folded again.
type recentIDs struct {
	seen  map[string]struct{}
	order *ring[string]
	cap   int
}

func newRecentIDs(capacity int) *recentIDs {
	return &recentIDs{
		seen:  make(map[string]struct{}, capacity),
		order: newRing[string](capacity),
		cap:   capacity,
	}
}

// add records id and reports whether it was not already present. The empty ID
// is never recorded and always reports true.
func (s *recentIDs) add(id string) bool {
	if id == "" || s.cap <= 0 {
		return true
	}
	if _, ok := s.seen[id]; ok {
		return false
	}
	if s.order.len() == s.cap {
		// the ring is about to overwrite its oldest entry
		delete(s.seen, s.order.buf[s.order.start])
	}
	s.order.push(id)
	s.seen[id] = struct{}{}
	return true
}
