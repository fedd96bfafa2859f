// Package orderqueue implements the thread-safe staging area for pending
// credits and spend-reservations from coffee makers (spec.md §3/§4.2,
// component C2). Requests accumulate here until the token-holder phase
// (orders manager, C5) drains them.
//
// Grounded on the plexing idiom in htlcswitch.go's htlcPlex/outgoingPayments
// fields: small typed buffers instead of a generic queue. Here they are two
// unbounded slices behind one mutex, so producers (C4) never wait on a slow
// consumer (C5) beyond the brief lock.
package orderqueue

import "sync"

// CreditReq is a pending credit from a maker, not yet applied to the store.
type CreditReq struct {
	AccountID uint64
	Points    uint64
}

// SpendReq is a pending reservation request from a maker, waiting on the
// token holder to authorize it.
type SpendReq struct {
	AccountID uint64
	Points    uint64
}

// pendingCredit pairs a credit with the maker that submitted it, preserved
// only long enough to coalesce; the maker-id is dropped on drain because the
// optimistic Ok was already sent by the dispatcher (spec.md §4.2).
type pendingCredit struct {
	req     CreditReq
	makerID uint64
}

// pendingReservation pairs a reservation with its maker; the maker-id
// survives the drain because the maker is still waiting on a real
// Ok/Err reply once the token arrives.
type pendingReservation struct {
	req     SpendReq
	makerID uint64
}

// Queue is the shared, mutex-guarded staging area (C2). The zero value is
// ready to use.
type Queue struct {
	mu           sync.Mutex
	credits      []pendingCredit
	reservations []pendingReservation
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// AddCredit appends a pending credit from the given maker.
func (q *Queue) AddCredit(req CreditReq, makerID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.credits = append(q.credits, pendingCredit{req, makerID})
}

// AddReservation appends a pending spend-reservation from the given maker,
// preserving submission order (spec.md §4.2 "insertion order").
func (q *Queue) AddReservation(req SpendReq, makerID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reservations = append(q.reservations, pendingReservation{req, makerID})
}

// CoalescedCredit is the result of DrainCredits: a sum of points destined
// for one account, maker identity already discarded.
type CoalescedCredit struct {
	AccountID uint64
	Points    uint64
}

// DrainCredits atomically empties the credit queue and returns it coalesced
// by account id (spec.md §3 "get_and_clear_credits() coalesces by
// account-id"). The order of the returned slice is not significant — the
// orders manager assigns each entry its own fresh timestamp regardless.
func (q *Queue) DrainCredits() []CoalescedCredit {
	q.mu.Lock()
	pending := q.credits
	q.credits = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	totals := make(map[uint64]uint64, len(pending))
	order := make([]uint64, 0, len(pending))
	for _, p := range pending {
		if _, seen := totals[p.req.AccountID]; !seen {
			order = append(order, p.req.AccountID)
		}
		totals[p.req.AccountID] += p.req.Points
	}

	out := make([]CoalescedCredit, 0, len(order))
	for _, id := range order {
		out = append(out, CoalescedCredit{AccountID: id, Points: totals[id]})
	}
	return out
}

// DrainedReservation is one entry of DrainReservations, maker-id intact.
type DrainedReservation struct {
	Req     SpendReq
	MakerID uint64
}

// DrainReservations atomically empties the reservation queue and returns it
// in insertion order (spec.md §3 "get_and_clear_reservations() returns
// insertion order").
func (q *Queue) DrainReservations() []DrainedReservation {
	q.mu.Lock()
	pending := q.reservations
	q.reservations = nil
	q.mu.Unlock()

	out := make([]DrainedReservation, 0, len(pending))
	for _, p := range pending {
		out = append(out, DrainedReservation{Req: p.req, MakerID: p.makerID})
	}
	return out
}

// DrainReservationsAndFailAll empties the reservation queue and returns the
// maker ids that were waiting, so the offline cleaner (C8) can answer each
// with Err(ConnectionLost) without holding the token (spec.md §4.8).
func (q *Queue) DrainReservationsAndFailAll() []uint64 {
	drained := q.DrainReservations()
	ids := make([]uint64, 0, len(drained))
	for _, d := range drained {
		ids = append(ids, d.MakerID)
	}
	return ids
}
