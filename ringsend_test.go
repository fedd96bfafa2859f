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
	"github.com/coffeenet/coffeed/internal/orderqueue"
	"github.com/coffeenet/coffeed/internal/wire"
)

func TestInBetween(t *testing.T) {
	require.True(t, inBetween(0, 1, 3))
	require.False(t, inBetween(0, 3, 3))
	require.False(t, inBetween(0, 0, 3))
	// Wraparound: my_id=3, next_id=1 (ring wraps at N); 0 lies between.
	require.True(t, inBetween(3, 0, 1))
	require.False(t, inBetween(2, 2, 2))
}

func TestSnapshotToChanges(t *testing.T) {
	ups := []account.Updated{{ID: 1, Balance: 10, LastUpdatedNs: 100}}
	changes := snapshotToChanges(ups)
	require.Len(t, changes, 1)
	require.EqualValues(t, 1, changes[0].ID)
	require.EqualValues(t, 10, changes[0].Amount)
	require.EqualValues(t, 100, changes[0].Ts)
}

// stubPeerListener runs a minimal ring-peer stand-in: it accepts exactly one
// connection, decodes one frame, and makes it available on recvCh.
func stubPeerListener(t *testing.T, addr string, recvCh chan<- *wire.ServerMessage) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := wire.ReadMessage(bufio.NewReader(conn))
		if err == nil {
			recvCh <- msg
		}
	}()
	return l
}

func newTestRingSender(t *testing.T, myID, peerCount uint64, portBase int) (*ringSender, *config, chan outboundItem) {
	t.Helper()
	cfg := &config{
		MyID:          myID,
		PeerCount:     peerCount,
		PeerPortBase:  portBase,
		TInit:         10 * time.Millisecond,
		TMax:          20 * time.Millisecond,
		TClean:        1 * time.Hour,
		TChan:         time.Hour,
		TSpendFirst:   time.Second,
		TSpendIdle:    time.Second,
	}

	store := account.New(clockutil.NewManual(1000))
	queue := orderqueue.New()
	responses := newResponseRegistry()
	cs := newConnStatus()
	var haveToken atomic.Bool

	requests := make(chan outboundItem, 4)
	rs := newRingSender(myID, peerCount, cfg, store, queue, responses, cs, &haveToken, requests)
	return rs, cfg, requests
}

func TestRingSenderJoinConnectsToNextPeer(t *testing.T) {
	rs, cfg, _ := newTestRingSender(t, 0, 2, 17100)
	recvCh := make(chan *wire.ServerMessage, 1)
	l := stubPeerListener(t, cfg.peerAddr(1), recvCh)
	defer l.Close()

	ok := rs.joinLoop()
	require.True(t, ok)

	select {
	case msg := <-recvCh:
		require.Equal(t, wire.KindJoin, msg.Kind)
		require.EqualValues(t, 0, msg.Sender)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for join message")
	}
	require.EqualValues(t, 1, rs.nextID)
}

func TestRingSenderTokenStrandsCreditsWhenUnreachable(t *testing.T) {
	rs, _, _ := newTestRingSender(t, 0, 2, 17200)
	// No listener for peer 1: every dial attempt fails.

	data := tokenData{0: {{Kind: account.ActionCredit, AccountID: 5, Points: 10, TsNanos: 1}}}
	rs.handleToken(data)

	require.Len(t, rs.pendingCredits, 1)
	require.EqualValues(t, 5, rs.pendingCredits[0].AccountID)
}

// TestRingSenderMaybeLostReinjectsWhenNextIsLost drives the token-loss
// recovery path directly (spec.md §8 scenario 5): when the suspected-lost
// id is this site's own next-link, handleMaybeLostRelay must re-send the
// last token it successfully forwarded rather than merely relay the probe.
func TestRingSenderMaybeLostReinjectsWhenNextIsLost(t *testing.T) {
	rs, cfg, _ := newTestRingSender(t, 0, 2, 17400)
	recvCh := make(chan *wire.ServerMessage, 1)
	l := stubPeerListener(t, cfg.peerAddr(1), recvCh)
	defer l.Close()

	// Pretend we're already linked to peer 1 and that it was the last
	// token we forwarded.
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	rs.conn = serverConn
	rs.w = bufio.NewWriter(serverConn)
	rs.nextID = 1
	rs.lastForwardedToken = tokenData{0: {{Kind: account.ActionCredit, AccountID: 7, Points: 5, TsNanos: 1}}}

	rs.handleMaybeLostRelay(wire.NewMaybeLost(2, nil, 1))

	select {
	case msg := <-recvCh:
		require.Equal(t, wire.KindToken, msg.Kind)
		require.Contains(t, msg.Data, "0")
		require.Len(t, msg.Data["0"], 1)
		require.EqualValues(t, 7, msg.Data["0"][0].ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reinjected token")
	}
}

func TestRingSenderTokenForwardsAndCarriesPendingCredits(t *testing.T) {
	rs, cfg, _ := newTestRingSender(t, 0, 2, 17300)
	recvCh := make(chan *wire.ServerMessage, 1)
	l := stubPeerListener(t, cfg.peerAddr(1), recvCh)
	defer l.Close()

	rs.pendingCredits = []account.Action{{Kind: account.ActionCredit, AccountID: 9, Points: 3, TsNanos: 1}}
	rs.handleToken(tokenData{})

	select {
	case msg := <-recvCh:
		require.Equal(t, wire.KindToken, msg.Kind)
		require.Contains(t, msg.Data, "0")
		require.Len(t, msg.Data["0"], 1)
		require.EqualValues(t, 9, msg.Data["0"][0].ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for token")
	}
	require.Empty(t, rs.pendingCredits)
}
