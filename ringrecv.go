package main

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"

	"github.com/coffeenet/coffeed/internal/account"
	"github.com/coffeenet/coffeed/internal/wire"
)

// ringReceiver is one instance per accepted inbound peer connection (spec.md
// §4.6, component C6): decodes framed ServerMessages from the previous site
// in the ring and dispatches Join/Close/Token/MaybeLost handling.
//
// Grounded on peer.go's readHandler: a single per-connection goroutine doing
// decode-then-switch in a loop, tearing the connection (and this site's
// corresponding link state) down on any read or decode error.
type ringReceiver struct {
	myID uint64

	conn net.Conn
	r    *bufio.Reader

	store      *account.Store
	connStatus *connStatus
	haveToken  *atomic.Bool

	tokenOut chan<- tokenArrival
	toNext   chan<- outboundItem

	prevID    uint64
	havePrevID bool
}

func newRingReceiver(
	conn net.Conn,
	myID uint64,
	store *account.Store,
	connStatus *connStatus,
	haveToken *atomic.Bool,
	tokenOut chan<- tokenArrival,
	toNext chan<- outboundItem,
) *ringReceiver {
	return &ringReceiver{
		myID:       myID,
		conn:       conn,
		r:          bufio.NewReader(conn),
		store:      store,
		connStatus: connStatus,
		haveToken:  haveToken,
		tokenOut:   tokenOut,
		toNext:     toNext,
	}
}

// run is the receiver's goroutine body. NOTE: must be run as a goroutine;
// it returns only once the inbound link is gone.
func (rr *ringReceiver) run() {
	defer rr.conn.Close()
	rr.connStatus.SetPrevUp(true)

	for {
		msg, err := wire.ReadMessage(rr.r)
		if err != nil {
			rr.onLinkDown(err)
			return
		}
		rr.dispatch(msg)
	}
}

func (rr *ringReceiver) dispatch(msg *wire.ServerMessage) {
	switch msg.Kind {
	case wire.KindJoin:
		rr.handleJoin(msg)
	case wire.KindClose:
		rr.handleClose(msg)
	case wire.KindToken:
		rr.handleToken(msg)
	case wire.KindMaybeLost:
		rr.handleMaybeLost(msg)
	default:
		ringLog.Warnf("ignoring server message of unhandled kind %q", msg.Kind)
	}
}

// handleJoin implements spec.md §4.6's Join bullet.
func (rr *ringReceiver) handleJoin(msg *wire.ServerMessage) {
	if msg.Sender == rr.myID {
		// The diff came all the way around: this is how a rejoining
		// site catches up on everything it missed.
		for _, ch := range msg.Changes {
			rr.store.ApplySnapshot(ch.ID, ch.Amount, ch.Ts)
		}
		ringLog.Infof("join completed, applied %d catch-up update(s)", len(msg.Changes))
		return
	}
	if msg.InPath(rr.myID) {
		return
	}
	if !rr.havePrevID {
		rr.prevID = msg.Sender
		rr.havePrevID = true
	}
	rr.forward(msg.WithPath(rr.myID))
}

// handleClose implements spec.md §4.6's Close bullet: the link is about to
// be dropped by the sender, who has already re-pointed to a new successor.
func (rr *ringReceiver) handleClose(msg *wire.ServerMessage) {
	ringLog.Infof("peer %d closing our inbound link", msg.Sender)
	rr.connStatus.SetPrevUp(false)
	rr.conn.Close()
}

// handleToken implements spec.md §4.6's Token bullet.
func (rr *ringReceiver) handleToken(msg *wire.ServerMessage) {
	data, err := tokenDataFromWire(msg.Data)
	if err != nil {
		ringLog.Errorf("malformed token data: %v", err)
		return
	}

	rr.haveToken.Store(true)
	delete(data, rr.myID)

	if ringLog.Level() <= btclog.LevelTrace {
		ringLog.Tracef("token data before replay: %s", spew.Sdump(data))
	}

	for _, actions := range data {
		for _, a := range actions {
			rr.store.ApplyRemote(a)
		}
	}

	// Blocks until the orders manager picks it up; the ring's single-token
	// invariant means there is never a second arrival queued behind this
	// one.
	rr.tokenOut <- tokenArrival{data: data}
}

// handleMaybeLost implements spec.md §4.6's MaybeLostTokenTo bullet.
func (rr *ringReceiver) handleMaybeLost(msg *wire.ServerMessage) {
	if rr.haveToken.Load() || msg.InPath(rr.myID) {
		return
	}
	rr.forward(msg.WithPath(rr.myID))
}

// forward hands a Join/MaybeLost message to C7 for outbound transmission.
func (rr *ringReceiver) forward(msg *wire.ServerMessage) {
	rr.toNext <- outboundItem{msg: msg}
}

// onLinkDown implements spec.md §4.6's "On recv failure" paragraph: marks
// the inbound link down and, if we don't currently hold the token,
// synthesizes a MaybeLostTokenTo probe naming the last-known previous site
// (or ourselves, if we never learned one) as the presumed-lost party.
func (rr *ringReceiver) onLinkDown(err error) {
	if err != io.EOF {
		ringLog.Debugf("inbound link read error: %v", err)
	}
	rr.connStatus.SetPrevUp(false)

	if rr.haveToken.Load() {
		return
	}

	lost := rr.myID
	if rr.havePrevID {
		lost = rr.prevID
	}
	rr.forward(wire.NewMaybeLost(rr.myID, nil, lost))
}
