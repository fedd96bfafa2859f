package main

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coffeenet/coffeed/internal/account"
	"github.com/coffeenet/coffeed/internal/orderqueue"
	"github.com/coffeenet/coffeed/internal/wire"
)

// ordersManager is the token-holder state machine (spec.md §4.5, component
// C5): on every token arrival it drains queued credits and
// spend-reservations, runs the two-phase spend protocol against the store,
// appends its own actions to the token, and releases it to C7.
//
// Grounded on htlcswitch.go's htlcSwitch struct: one central goroutine
// reading a single inbound channel (there, outgoingPayments/htlcPlex; here,
// tokenCh) and driving a bounded state machine per message, with
// Start/Stop lifecycle matching the same atomic started/shutdown guard.
type ordersManager struct {
	started int32 // atomic
	shutdown int32 // atomic

	myID uint64

	store *account.Store
	queue *orderqueue.Queue

	responses *responseRegistry

	tokenIn     <-chan tokenArrival
	spendResult <-chan spendOutcome

	forward func(tokenData)

	haveToken *atomic.Bool

	tSpendFirst time.Duration
	tSpendIdle  time.Duration

	quit chan struct{}
	done chan struct{}
}

func newOrdersManager(
	myID uint64,
	store *account.Store,
	queue *orderqueue.Queue,
	responses *responseRegistry,
	tokenIn <-chan tokenArrival,
	spendResult <-chan spendOutcome,
	haveToken *atomic.Bool,
	forward func(tokenData),
	tSpendFirst, tSpendIdle time.Duration,
) *ordersManager {
	return &ordersManager{
		myID:        myID,
		store:       store,
		queue:       queue,
		responses:   responses,
		tokenIn:     tokenIn,
		spendResult: spendResult,
		forward:     forward,
		haveToken:   haveToken,
		tSpendFirst: tSpendFirst,
		tSpendIdle:  tSpendIdle,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the manager's goroutine.
func (o *ordersManager) Start() {
	if !atomic.CompareAndSwapInt32(&o.started, 0, 1) {
		return
	}
	go o.run()
}

// Stop signals the manager to exit and waits for it to do so.
func (o *ordersManager) Stop() {
	if !atomic.CompareAndSwapInt32(&o.shutdown, 0, 1) {
		return
	}
	close(o.quit)
	<-o.done
}

// run is the manager's single goroutine: one token phase at a time, never
// concurrent with itself (spec.md §4.5 "at most one concurrent token phase
// per site").
func (o *ordersManager) run() {
	defer close(o.done)

	for {
		select {
		case arrival := <-o.tokenIn:
			o.runPhase(arrival.data)
		case <-o.quit:
			return
		}
	}
}

// runPhase executes one full token phase against the given (already
// remote-applied) token data, spec.md §4.5 steps 1-5.
func (o *ordersManager) runPhase(data tokenData) {
	mine := append([]account.Action{}, data[o.myID]...)

	mine = o.drainCredits(mine)
	mine, pending := o.drainReservations(mine)
	mine = o.runSpendPhase(mine, pending)

	if len(mine) == 0 {
		delete(data, o.myID)
	} else {
		data[o.myID] = mine
	}

	o.forward(data)
	o.haveToken.Store(false)
}

// drainCredits implements spec.md §4.5 step 1.
func (o *ordersManager) drainCredits(mine []account.Action) []account.Action {
	for _, c := range o.queue.DrainCredits() {
		ts := o.store.Credit(c.AccountID, c.Points, nil)
		mine = append(mine, account.Action{
			Kind:      account.ActionCredit,
			AccountID: c.AccountID,
			Points:    c.Points,
			TsNanos:   ts,
		})
	}
	return mine
}

// drainReservations implements spec.md §4.5 step 2: attempts every queued
// reservation against the store, replying immediately on failure, and
// returns the number of makers now waiting on a commit/cancel decision.
func (o *ordersManager) drainReservations(mine []account.Action) ([]account.Action, int) {
	pending := 0
	for _, r := range o.queue.DrainReservations() {
		err := o.store.Reserve(r.Req.AccountID, r.Req.Points)
		if err == nil {
			pending++
			o.responses.reply(r.MakerID, wire.OkResponse(wire.TypeRequestPoints))
			continue
		}
		mapped := mapReserveErr(err)
		o.responses.reply(r.MakerID, wire.ErrResponse(wire.TypeRequestPoints, mapped))
		reservationsFailed.WithLabelValues(strconv.FormatUint(o.myID, 10), string(mapped)).Inc()
	}
	return mine, pending
}

// mapReserveErr maps an account package reservation error to its wire
// counterpart (spec.md §4.4 table, §7).
func mapReserveErr(err error) wire.MakerErr {
	switch err {
	case account.ErrNotFound:
		return wire.ErrAccountNotFound
	case account.ErrNotEnoughPoints:
		return wire.ErrNotEnoughPoints
	case account.ErrAlreadyReserved:
		return wire.ErrAlreadyReserved
	default:
		return wire.ErrUnexpected
	}
}

// runSpendPhase implements spec.md §4.5 steps 3-4: waits for exactly
// `pending` commit/cancel responses with a first-arrival timeout and an
// idle timeout between responses, applying each as it arrives.
func (o *ordersManager) runSpendPhase(mine []account.Action, pending int) []account.Action {
	if pending == 0 {
		return mine
	}

	received := 0
	timeout := o.tSpendFirst
	for received < pending {
		timer := time.NewTimer(timeout)
		select {
		case outcome := <-o.spendResult:
			timer.Stop()
			mine = o.applySpendOutcome(mine, outcome)
			received++
			timeout = o.tSpendIdle
		case <-timer.C:
			ordrLog.Warnf("spend phase timed out with %d/%d responses; "+
				"clearing all reservations", received, pending)
			o.store.ClearAllReservations()
			return mine
		}
	}
	return mine
}

// applySpendOutcome implements spec.md §4.5 step 3's per-response handling.
func (o *ordersManager) applySpendOutcome(mine []account.Action, outcome spendOutcome) []account.Action {
	switch outcome.kind {
	case spendCommit:
		ts, err := o.store.CommitSpend(outcome.accountID, outcome.points, nil)
		if err != nil {
			ordrLog.Warnf("commit_spend(%d, %d) failed: %v",
				outcome.accountID, outcome.points, err)
			return mine
		}
		return append(mine, account.Action{
			Kind:      account.ActionSpendCommit,
			AccountID: outcome.accountID,
			Points:    outcome.points,
			TsNanos:   ts,
		})
	case spendCancel:
		if err := o.store.CancelReserve(outcome.accountID); err != nil {
			ordrLog.Debugf("cancel_reserve(%d) failed: %v", outcome.accountID, err)
		}
		return mine
	default:
		return mine
	}
}
