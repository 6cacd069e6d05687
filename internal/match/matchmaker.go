package match

import (
	"log"
	"sync"

	"github.com/campusmeet/chat-app/internal/metrics"
)

// LivenessFunc reports whether a connection id still belongs to a live
// socket. The matchmaker uses it to detect candidates that disconnected
// after being pooled but before being matched.
type LivenessFunc func(connID string) bool

// Pairing is a successful match: the user who triggered it, the partner that
// was pulled out of a pool, and the capability the pair negotiated. The
// requester is always the designated call-initiator, which fixes the WebRTC
// offer/answer direction.
type Pairing struct {
	Requester   *Entry
	Partner     *Entry
	Mode        Mode // negotiated via Combine
	SameCollege bool // true when the partner came from the same-college pass
}

// Matchmaker owns the three waiting pools. They are reachable only through
// Request, Cancel, and Remove, so pool state can never be mutated from
// outside the component.
type Matchmaker struct {
	mu     sync.Mutex
	pools  map[Mode]*Pool
	isLive LivenessFunc
}

// NewMatchmaker creates a matchmaker with empty pools. isLive is consulted
// before completing a match against a pooled candidate.
func NewMatchmaker(isLive LivenessFunc) *Matchmaker {
	return &Matchmaker{
		pools: map[Mode]*Pool{
			ModeText:  NewPool(),
			ModeVideo: NewPool(),
			ModeBoth:  NewPool(),
		},
		isLive: isLive,
	}
}

// Request attempts to pair the seeker with a waiting user. The seeker is
// first removed from every pool, so a repeated request can never leave a
// duplicate entry behind. Candidates are searched in two passes: same
// college first, then any college. Within a pass the mode-compatible pools
// are scanned in preference order, oldest entry first.
//
// On success both users are out of every pool and the Pairing is returned.
// When no eligible candidate exists the seeker is appended to the pool for
// its requested mode and Request returns nil.
func (m *Matchmaker) Request(seeker *Entry) *Pairing {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(seeker.User.ID)

	var partner *Entry
	sameCollege := false
	if seeker.User.College != "" {
		if partner = m.findLocked(seeker, true); partner != nil {
			sameCollege = true
		}
	}
	if partner == nil {
		partner = m.findLocked(seeker, false)
	}

	if partner == nil {
		m.pools[seeker.Mode].Add(seeker)
		m.updateGauges()
		return nil
	}

	m.updateGauges()
	return &Pairing{
		Requester:   seeker,
		Partner:     partner,
		Mode:        Combine(seeker.Mode, partner.Mode),
		SameCollege: sameCollege,
	}
}

// findLocked scans the pools compatible with the seeker's mode and returns
// the first eligible candidate, removing it from its pool. Entries whose
// connection is no longer live are dropped from the pool and skipped.
func (m *Matchmaker) findLocked(seeker *Entry, sameCollege bool) *Entry {
	for _, mode := range searchOrder(seeker.Mode) {
		pool := m.pools[mode]
		for _, cand := range pool.Entries() {
			if cand.User.ID == seeker.User.ID {
				continue
			}
			if sameCollege && cand.User.College != seeker.User.College {
				continue
			}
			if seeker.User.Blocks(cand.User.ID) || cand.User.Blocks(seeker.User.ID) {
				continue
			}
			if m.isLive != nil && !m.isLive(cand.ConnID) {
				// The candidate disconnected while waiting. Discard the
				// stale entry and keep searching.
				pool.Remove(cand.User.ID)
				log.Printf("[match] dropped stale entry user=%s conn=%s", cand.User.ID, cand.ConnID)
				continue
			}
			return pool.Remove(cand.User.ID)
		}
	}
	return nil
}

// Cancel removes the user from whichever pool holds it. It is a no-op when
// the user is not waiting, and reports whether an entry was removed.
func (m *Matchmaker) Cancel(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.removeLocked(userID)
	m.updateGauges()
	return removed
}

// Waiting reports whether the user currently sits in any pool.
func (m *Matchmaker) Waiting(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		if pool.Contains(userID) {
			return true
		}
	}
	return false
}

// PoolSizes returns the current size of each pool keyed by mode.
func (m *Matchmaker) PoolSizes() map[Mode]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make(map[Mode]int, len(m.pools))
	for mode, pool := range m.pools {
		sizes[mode] = pool.Len()
	}
	return sizes
}

func (m *Matchmaker) removeLocked(userID string) bool {
	removed := false
	for _, pool := range m.pools {
		if pool.Remove(userID) != nil {
			removed = true
		}
	}
	return removed
}

func (m *Matchmaker) updateGauges() {
	for mode, pool := range m.pools {
		metrics.PoolSize.WithLabelValues(mode.String()).Set(float64(pool.Len()))
	}
}
