package match

import (
	"container/list"

	"github.com/campusmeet/chat-app/internal/identity"
)

// Entry is a waiting user: the identity snapshot taken when the match was
// requested, the live connection it arrived on, and the requested mode.
type Entry struct {
	User   *identity.Identity
	ConnID string
	Mode   Mode
}

// Pool is one waiting list of users seeking a match, ordered by arrival so
// that matching stays roughly first-come-first-served. A user-id index sits
// alongside the ordered sequence so membership checks and removals are O(1)
// instead of linear rescans.
type Pool struct {
	order *list.List               // of *Entry, oldest first
	index map[string]*list.Element // user id -> element in order
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Add appends an entry to the back of the pool. If the user is somehow
// already present the old entry is replaced rather than duplicated.
func (p *Pool) Add(e *Entry) {
	if el, ok := p.index[e.User.ID]; ok {
		p.order.Remove(el)
	}
	p.index[e.User.ID] = p.order.PushBack(e)
}

// Remove deletes the entry for the given user id and returns it, or nil if
// the user is not in this pool.
func (p *Pool) Remove(userID string) *Entry {
	el, ok := p.index[userID]
	if !ok {
		return nil
	}
	delete(p.index, userID)
	return p.order.Remove(el).(*Entry)
}

// Contains reports whether the user is waiting in this pool.
func (p *Pool) Contains(userID string) bool {
	_, ok := p.index[userID]
	return ok
}

// Len returns the number of waiting users.
func (p *Pool) Len() int {
	return p.order.Len()
}

// Entries returns a snapshot of the pool in arrival order (oldest first).
func (p *Pool) Entries() []*Entry {
	out := make([]*Entry, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry))
	}
	return out
}
