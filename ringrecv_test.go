package main

import (
	"bufio"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coffeenet/coffeed/internal/account"
	"github.com/coffeenet/coffeed/internal/clockutil"
	"github.com/coffeenet/coffeed/internal/wire"
)

func newTestRingReceiver(t *testing.T, myID uint64) (*ringReceiver, net.Conn, *account.Store, *connStatus, chan tokenArrival, chan outboundItem) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	store := account.New(clockutil.NewManual(1000))
	cs := newConnStatus()
	var haveToken atomic.Bool

	tokenOut := make(chan tokenArrival, 1)
	toNext := make(chan outboundItem, 4)

	rr := newRingReceiver(serverConn, myID, store, cs, &haveToken, tokenOut, toNext)
	return rr, clientConn, store, cs, tokenOut, toNext
}

func TestRingReceiverTokenAppliesRemoteActionsAndStripsOwnEntry(t *testing.T) {
	rr, client, store, _, tokenOut, _ := newTestRingReceiver(t, 1)
	go rr.run()

	msg := wire.NewToken(0, nil, map[string][]wire.AccountAction{
		"0": {{Kind: "Credit", ID: 7, Pts: 40, Ts: 5000}},
		"1": {{Kind: "Credit", ID: 9, Pts: 99, Ts: 10}},
	})
	require.NoError(t, writeTestMessage(client, msg))

	select {
	case arrival := <-tokenOut:
		require.NotContains(t, arrival.data, uint64(1))
		require.Contains(t, arrival.data, uint64(0))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for token arrival")
	}

	acct, ok := store.Get(7)
	require.True(t, ok)
	require.EqualValues(t, 40, acct.Balance)
}

func TestRingReceiverJoinSelfAppliesCatchup(t *testing.T) {
	rr, client, store, _, _, _ := newTestRingReceiver(t, 3)
	go rr.run()

	msg := wire.NewJoin(3, 0, []wire.AccountChange{{ID: 1, Amount: 77, Ts: 500}})
	require.NoError(t, writeTestMessage(client, msg))

	require.Eventually(t, func() bool {
		acct, ok := store.Get(1)
		return ok && acct.Balance == 77
	}, time.Second, time.Millisecond)
}

func TestRingReceiverJoinForwardsWithPathWhenNotSelf(t *testing.T) {
	rr, client, _, _, _, toNext := newTestRingReceiver(t, 3)
	go rr.run()

	msg := wire.NewJoin(1, 0, nil)
	require.NoError(t, writeTestMessage(client, msg))

	select {
	case item := <-toNext:
		require.NotNil(t, item.msg)
		require.Equal(t, wire.KindJoin, item.msg.Kind)
		require.Contains(t, item.msg.Path, uint64(3))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for join forward")
	}
}

func TestRingReceiverMaybeLostDroppedWhenHoldingToken(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	store := account.New(clockutil.NewManual(1000))
	cs := newConnStatus()
	var haveToken atomic.Bool
	haveToken.Store(true)

	tokenOut := make(chan tokenArrival, 1)
	toNext := make(chan outboundItem, 4)
	rr := newRingReceiver(serverConn, 3, store, cs, &haveToken, tokenOut, toNext)
	go rr.run()

	msg := wire.NewMaybeLost(1, nil, 5)
	require.NoError(t, writeTestMessage(clientConn, msg))

	select {
	case <-toNext:
		t.Fatal("should not forward maybe-lost while holding the token")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRingReceiverOnLinkDownSynthesizesMaybeLost(t *testing.T) {
	rr, client, _, cs, _, toNext := newTestRingReceiver(t, 3)
	go rr.run()

	// Establish a prev_id via a forwarded Join first.
	require.NoError(t, writeTestMessage(client, wire.NewJoin(1, 0, nil)))
	<-toNext

	client.Close()

	select {
	case item := <-toNext:
		require.Equal(t, wire.KindMaybeLost, item.msg.Kind)
		require.EqualValues(t, 1, item.msg.Lost)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized maybe-lost")
	}

	require.Eventually(t, func() bool {
		prevUp, _ := cs.Snapshot()
		return !prevUp
	}, time.Second, time.Millisecond)
}

// writeTestMessage is a small test helper wrapping wire.WriteMessage over a
// raw net.Conn.
func writeTestMessage(conn net.Conn, msg *wire.ServerMessage) error {
	return wire.WriteMessage(bufio.NewWriter(conn), msg)
}
