package main

import (
	"strconv"

	"github.com/coffeenet/coffeed/internal/orderqueue"
	"github.com/coffeenet/coffeed/internal/wire"
)

// dispatcher classifies every incoming (request, maker-id) pair and either
// answers the maker immediately or defers it into the order pipeline
// (spec.md §4.4, component C4).
//
// Grounded on htlcswitch.go's htlcForwarder select-loop dispatch: a single
// goroutine reading one request channel and switching on message kind, the
// same shape as the switch's outgoingPayments/htlcPlex handling but with
// spec.md's four maker request kinds in place of HTLC add/settle/fail.
type dispatcher struct {
	myID       uint64
	queue      *orderqueue.Queue
	responses  *responseRegistry
	connStatus *connStatus
	spendOut   chan<- spendOutcome

	requests <-chan makerEnvelope
	quit     <-chan struct{}
}

func newDispatcher(
	myID uint64,
	queue *orderqueue.Queue,
	responses *responseRegistry,
	connStatus *connStatus,
	spendOut chan<- spendOutcome,
	requests <-chan makerEnvelope,
	quit <-chan struct{},
) *dispatcher {
	return &dispatcher{
		myID:       myID,
		queue:      queue,
		responses:  responses,
		connStatus: connStatus,
		spendOut:   spendOut,
		requests:   requests,
		quit:       quit,
	}
}

// run is the dispatcher's goroutine body. NOTE: must be run as a goroutine.
func (d *dispatcher) run() {
	for {
		select {
		case env := <-d.requests:
			d.handle(env)
		case <-d.quit:
			return
		}
	}
}

func (d *dispatcher) handle(env makerEnvelope) {
	req := env.req
	switch req.Type {
	case wire.TypeAddPoints:
		d.queue.AddCredit(orderqueue.CreditReq{AccountID: req.Account, Points: req.Points}, env.makerID)
		d.responses.reply(env.makerID, wire.OkResponse(req.Type))

	case wire.TypeRequestPoints:
		if !d.connStatus.IsOnline() {
			dspLog.Debugf("reserve for account %d refused: site offline", req.Account)
			d.responses.reply(env.makerID, wire.ErrResponse(req.Type, wire.ErrConnectionLost))
			reservationsFailed.WithLabelValues(strconv.FormatUint(d.myID, 10), string(wire.ErrConnectionLost)).Inc()
			return
		}
		// The maker's real Ok/Err comes from the orders manager once
		// the token arrives and the reservation is attempted.
		d.queue.AddReservation(orderqueue.SpendReq{AccountID: req.Account, Points: req.Points}, env.makerID)

	case wire.TypeTakePoints:
		d.forwardSpendOutcome(spendCommit, req)
		d.responses.reply(env.makerID, wire.OkResponse(req.Type))

	case wire.TypeCancelPointsRequest:
		d.forwardSpendOutcome(spendCancel, req)
		d.responses.reply(env.makerID, wire.OkResponse(req.Type))

	default:
		dspLog.Warnf("unrecognized maker request type %q from maker", req.Type)
	}
}

// forwardSpendOutcome hands a commit/cancel off to the orders manager.
// Delivery is best-effort against quit so a dying site doesn't wedge the
// dispatcher on a full/blocked channel during shutdown.
func (d *dispatcher) forwardSpendOutcome(kind spendOutcomeKind, req wire.MakerRequest) {
	select {
	case d.spendOut <- spendOutcome{kind: kind, accountID: req.Account, points: req.Points}:
	case <-d.quit:
	}
}
