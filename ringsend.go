package main

import (
	"bufio"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coffeenet/coffeed/internal/account"
	"github.com/coffeenet/coffeed/internal/orderqueue"
	"github.com/coffeenet/coffeed/internal/wire"
)

// outboundItem is what C5 and C6 hand to the ring sender's single goroutine:
// either a token ready to forward, or a Join/MaybeLost message to relay.
// Exactly one field is set.
type outboundItem struct {
	token tokenData
	msg   *wire.ServerMessage
}

// ringSender owns the outbound peer link and the algorithm by which a site
// (re)joins the ring and recovers from peer failures (spec.md §4.7,
// component C7).
//
// Grounded on peer.go's writeHandler/queueHandler (one goroutine owns the
// write side of a connection end to end) and server.go's
// handleConnectPeer/retryRequest dial-with-backoff loop, generalized from a
// fixed-peer retry to the ring's next-id scan.
type ringSender struct {
	started  int32 // atomic
	shutdown int32 // atomic

	myID      uint64
	peerCount uint64
	cfg       *config

	store     *account.Store
	queue     *orderqueue.Queue
	responses *responseRegistry

	connStatus *connStatus
	haveToken  *atomic.Bool

	requests <-chan outboundItem

	conn   net.Conn
	w      *bufio.Writer
	nextID uint64

	lastForwardedToken tokenData
	pendingCredits      []account.Action

	quit chan struct{}
	done chan struct{}
}

func newRingSender(
	myID, peerCount uint64,
	cfg *config,
	store *account.Store,
	queue *orderqueue.Queue,
	responses *responseRegistry,
	connStatus *connStatus,
	haveToken *atomic.Bool,
	requests <-chan outboundItem,
) *ringSender {
	return &ringSender{
		myID:       myID,
		peerCount:  peerCount,
		cfg:        cfg,
		store:      store,
		queue:      queue,
		responses:  responses,
		connStatus: connStatus,
		haveToken:  haveToken,
		requests:   requests,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the sender's goroutine.
func (rs *ringSender) Start() {
	if !atomic.CompareAndSwapInt32(&rs.started, 0, 1) {
		return
	}
	go rs.run()
}

// Stop signals the sender to exit and waits for it to do so.
func (rs *ringSender) Stop() {
	if !atomic.CompareAndSwapInt32(&rs.shutdown, 0, 1) {
		return
	}
	close(rs.quit)
	<-rs.done
}

func (rs *ringSender) run() {
	defer close(rs.done)
	defer rs.teardownNext()

	if !rs.joinLoop() {
		return
	}
	if rs.myID == 0 {
		// Boot rule: site 0 is the token originator.
		rs.handleToken(tokenData{})
	}
	rs.mainLoop()
}

// joinLoop implements spec.md §4.7's "Join loop": repeatedly announce
// ourselves until connectToNext succeeds, backing off exponentially from
// T_init to T_max and triggering the offline cleaner past T_clean. Returns
// false only if told to quit first.
func (rs *ringSender) joinLoop() bool {
	backoff := rs.cfg.TInit
	cleaned := false

	for {
		joinMsg := wire.NewJoin(rs.myID, rs.store.MaxUpdateTs(), nil)
		if rs.connectToNext(joinMsg) {
			return true
		}

		if !cleaned && backoff >= rs.cfg.TClean {
			offlineCleaner(rs.queue, rs.responses)
			cleaned = true
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-rs.quit:
			timer.Stop()
			return false
		}

		backoff *= 2
		if backoff > rs.cfg.TMax {
			backoff = rs.cfg.TMax
		}
	}
}

// mainLoop implements spec.md §4.7's "Main loop": block with timeout T_chan
// on the outbound request channel.
func (rs *ringSender) mainLoop() {
	timer := time.NewTimer(rs.cfg.TChan)
	defer timer.Stop()

	for {
		select {
		case item := <-rs.requests:
			if !timer.Stop() {
				<-timer.C
			}
			if item.msg != nil {
				rs.handleRelay(item.msg)
			} else {
				rs.handleToken(item.token)
			}
			timer.Reset(rs.cfg.TChan)

		case <-timer.C:
			if rs.onIdleTimeout() {
				return
			}
			timer.Reset(rs.cfg.TChan)

		case <-rs.quit:
			return
		}
	}
}

// onIdleTimeout implements spec.md §4.7's "On Timeout" paragraph. Returns
// true if the sender should stop entirely (only on shutdown mid-rejoin).
func (rs *ringSender) onIdleTimeout() bool {
	prevUp, nextUp := rs.connStatus.Snapshot()
	if !prevUp && nextUp {
		ringLog.Warnf("ring malformed (prev down, next up); rejoining")
		rs.teardownNext()
		return !rs.joinLoop()
	}
	return false
}

func (rs *ringSender) handleRelay(msg *wire.ServerMessage) {
	switch msg.Kind {
	case wire.KindJoin:
		rs.handleJoinRelay(msg)
	case wire.KindMaybeLost:
		rs.handleMaybeLostRelay(msg)
	default:
		ringLog.Warnf("ring sender ignoring relay of kind %q", msg.Kind)
	}
}

// handleJoinRelay implements spec.md §4.7's "On Join{sender, path, diff}"
// paragraph.
func (rs *ringSender) handleJoinRelay(msg *wire.ServerMessage) {
	if rs.conn != nil && inBetween(rs.myID, msg.Sender, rs.nextID) {
		changes := snapshotToChanges(rs.store.SnapshotSince(msg.LastUpdate))
		joinMsg := wire.NewJoin(msg.Sender, msg.LastUpdate, changes)

		oldConn, oldW := rs.conn, rs.w
		// Detach the current link so attempt leaves it open for the Close.
		rs.conn = nil
		if rs.attempt(msg.Sender, msg.Sender+1, joinMsg) {
			rs.sendClose(oldConn)
			return
		}
		rs.conn, rs.w = oldConn, oldW
	}
	rs.sendOrReconnect(msg)
}

// handleMaybeLostRelay implements spec.md §4.7's "On MaybeLostTokenTo"
// paragraph.
func (rs *ringSender) handleMaybeLostRelay(msg *wire.ServerMessage) {
	if rs.haveToken.Load() {
		return
	}
	if rs.conn != nil && rs.nextID == msg.Lost {
		rs.reinject()
		return
	}

	fwd := msg.WithPath(rs.myID)
	if rs.sendCurrent(fwd) {
		return
	}
	if rs.scanForward(rs.nextID, msg.Lost, fwd) {
		return
	}
	if prevUp, _ := rs.connStatus.Snapshot(); prevUp {
		rs.reinject()
	}
}

// reinject re-sends the last token this site successfully forwarded, the
// token-loss recovery mechanism of spec.md §4.7.
func (rs *ringSender) reinject() {
	if rs.lastForwardedToken == nil {
		return
	}
	ringLog.Warnf("reinjecting last forwarded token as loss recovery")
	tmsg := wire.NewToken(rs.myID, nil, rs.lastForwardedToken.toWire())
	rs.connectToNext(tmsg)
}

// handleToken implements spec.md §4.7's "On Token(data)" paragraph and the
// "Pending-credit reinjection" rule.
func (rs *ringSender) handleToken(data tokenData) {
	if len(rs.pendingCredits) > 0 {
		data[rs.myID] = append(data[rs.myID], rs.pendingCredits...)
		rs.pendingCredits = nil
	}

	msg := wire.NewToken(rs.myID, nil, data.toWire())

	if rs.sendCurrent(msg) {
		rs.lastForwardedToken = data
		rs.haveToken.Store(false)
		tokensForwarded.WithLabelValues(rs.siteLabel()).Inc()
		return
	}
	if rs.connectToNext(msg) {
		rs.lastForwardedToken = data
		rs.haveToken.Store(false)
		tokensForwarded.WithLabelValues(rs.siteLabel()).Inc()
		return
	}

	// Stranded: preserve only Credit actions, spends were tentative and
	// are abandoned rather than risk a double-apply on recovery.
	for _, a := range data[rs.myID] {
		if a.Kind == account.ActionCredit {
			rs.pendingCredits = append(rs.pendingCredits, a)
		}
	}
	rs.haveToken.Store(false)
	ringLog.Warnf("token stranded; buffered %d pending credit(s)", len(rs.pendingCredits))
}

// sendOrReconnect makes a best-effort attempt to relay msg, silently
// dropping it if the whole ring is currently unreachable — the ring
// self-heals on the next Join/MaybeLost cycle.
func (rs *ringSender) sendOrReconnect(msg *wire.ServerMessage) {
	if rs.sendCurrent(msg) {
		return
	}
	rs.connectToNext(msg)
}

// sendCurrent writes msg to the current next-link, tearing it down and
// reporting failure if the write fails.
func (rs *ringSender) sendCurrent(msg *wire.ServerMessage) bool {
	if rs.conn == nil {
		return false
	}
	if err := wire.WriteMessage(rs.w, msg); err != nil {
		ringLog.Debugf("send to next peer %d failed: %v", rs.nextID, err)
		rs.teardownNext()
		return false
	}
	return true
}

// sendClose best-effort notifies a displaced next link that its inbound is
// about to be dropped (spec.md §3 Close).
func (rs *ringSender) sendClose(conn net.Conn) {
	if conn == nil {
		return
	}
	w := bufio.NewWriter(conn)
	_ = wire.WriteMessage(w, wire.NewClose(rs.myID))
	conn.Close()
}

// teardownNext closes the current next-link, if any, and marks next_up
// false.
func (rs *ringSender) teardownNext() {
	if rs.conn != nil {
		rs.conn.Close()
		rs.conn = nil
	}
	rs.connStatus.SetNextUp(false)
}

// connectToNext implements spec.md §4.7's connect_to_next: tries
// (my_id+1..peer_count) then (0..my_id), with the bootstrap special case
// that a single-site ring connects to itself.
func (rs *ringSender) connectToNext(msg *wire.ServerMessage) bool {
	if rs.attempt(rs.myID+1, rs.peerCount, msg) {
		return true
	}
	if rs.attempt(0, rs.myID, msg) {
		return true
	}
	if rs.peerCount == 1 {
		return rs.attempt(rs.myID, rs.myID+1, msg)
	}
	return false
}

// attempt implements spec.md §4.7's attempt(start, stop, msg): dials
// peer(id) for id in [start, stop) in order, and on the first successful
// connect-and-send becomes the new next-link.
func (rs *ringSender) attempt(start, stop uint64, msg *wire.ServerMessage) bool {
	for id := start; id < stop; id++ {
		reconnectAttempts.WithLabelValues(rs.siteLabel()).Inc()
		conn, err := net.Dial("tcp", rs.cfg.peerAddr(id))
		if err != nil {
			continue
		}
		w := bufio.NewWriter(conn)
		if err := wire.WriteMessage(w, msg); err != nil {
			conn.Close()
			continue
		}

		if rs.conn != nil {
			rs.conn.Close()
		}
		rs.conn = conn
		rs.w = w
		rs.nextID = id
		rs.connStatus.SetNextUp(true)
		ringLog.Infof("connected to next peer %d", id)
		return true
	}
	return false
}

// scanForward implements spec.md §4.7's MaybeLost fallback: "scan peers
// from next_id to lost_id (ring order) and send the probe to the first
// that accepts."
func (rs *ringSender) scanForward(from, lost uint64, msg *wire.ServerMessage) bool {
	id := from
	for {
		if rs.attempt(id, id+1, msg) {
			return true
		}
		if id == lost {
			return false
		}
		id = (id + 1) % rs.peerCount
	}
}

// inBetween reports whether sender lies strictly between myID and nextID
// going clockwise around the ring, spec.md §4.7's in_between helper.
func inBetween(myID, sender, nextID uint64) bool {
	if myID == nextID {
		return false
	}
	if myID < nextID {
		return myID < sender && sender < nextID
	}
	return sender > myID || sender < nextID
}

// siteLabel returns this site's id as a metrics label value.
func (rs *ringSender) siteLabel() string {
	return strconv.FormatUint(rs.myID, 10)
}

// snapshotToChanges converts a store snapshot into the wire shape a Join
// diff carries.
func snapshotToChanges(ups []account.Updated) []wire.AccountChange {
	out := make([]wire.AccountChange, 0, len(ups))
	for _, u := range ups {
		out = append(out, wire.AccountChange{ID: u.ID, Amount: u.Balance, Ts: u.LastUpdatedNs})
	}
	return out
}
