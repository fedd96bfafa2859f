package main

import (
	"sync"

	"github.com/coffeenet/coffeed/internal/orderqueue"
	"github.com/coffeenet/coffeed/internal/wire"
)

// connStatus tracks {prev_up, next_up} for this site's two ring links
// (spec.md §3 "Peer endpoint state", §4.8 component C8). Shared between C6
// (writes prev_up) and C7 (writes next_up); read by C4, C6, C7.
//
// Grounded on the atomic started/shutdown flags peer.go and server.go use
// for cheap concurrent state, generalized to a small mutex-guarded struct
// since {prev_up, next_up} needs to be read and combined (IsOnline) as one
// consistent snapshot rather than two independent atomics.
type connStatus struct {
	mu      sync.Mutex
	prevUp  bool
	nextUp  bool
}

// newConnStatus returns a connStatus with both links considered down, the
// correct state before ring join has completed.
func newConnStatus() *connStatus {
	return &connStatus{}
}

// SetPrevUp updates prev_up.
func (c *connStatus) SetPrevUp(up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevUp = up
}

// SetNextUp updates next_up.
func (c *connStatus) SetNextUp(up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextUp = up
}

// Snapshot returns the current (prevUp, nextUp) pair.
func (c *connStatus) Snapshot() (prevUp, nextUp bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevUp, c.nextUp
}

// IsOnline reports prev_up && next_up (spec.md §4.8 "is_online()").
func (c *connStatus) IsOnline() bool {
	prevUp, nextUp := c.Snapshot()
	return prevUp && nextUp
}

// offlineCleaner drains all outstanding reservations and answers each
// waiting maker with Err(ConnectionLost), invoked by C7 once join backoff
// exceeds T_clean (spec.md §4.8). Credits are left queued — they don't
// require connectivity and are replayed once the token returns.
func offlineCleaner(queue *orderqueue.Queue, responses *responseRegistry) {
	makerIDs := queue.DrainReservationsAndFailAll()
	for _, id := range makerIDs {
		responses.reply(id, wire.ErrResponse(wire.TypeRequestPoints, wire.ErrConnectionLost))
	}
	connLog.Infof("offline cleaner failed %d outstanding reservation(s)", len(makerIDs))
}
