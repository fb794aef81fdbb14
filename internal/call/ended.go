package call

// endedCap bounds how many finished call tokens are remembered.
const endedCap = 64

// endedSet remembers the most recent finished call tokens so redelivered or
// reordered signals of a dead call are dropped. Oldest tokens are evicted
// first. Loop-owned.
type endedSet struct {
	seen map[string]struct{}
	ring []string
	next int
}

func newEndedSet(capacity int) *endedSet {
	return &endedSet{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

func (e *endedSet) add(token string) {
	if token == "" {
		return
	}
	if _, ok := e.seen[token]; ok {
		return
	}
	if old := e.ring[e.next]; old != "" {
		delete(e.seen, old)
	}
	e.ring[e.next] = token
	e.seen[token] = struct{}{}
	e.next = (e.next + 1) % len(e.ring)
}

func (e *endedSet) has(token string) bool {
	_, ok := e.seen[token]
	return ok
}
