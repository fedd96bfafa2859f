package main

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/coffeenet/coffeed/internal/wire"
)

// testCfg builds a config for an N-site integration test, every timeout
// shortened so the suite doesn't wait on spec.md §5's production defaults.
func testCfg(myID, peerCount uint64, peerPortBase, makerPortBase int) *config {
	return &config{
		MyID:          myID,
		PeerCount:     peerCount,
		PeerPortBase:  peerPortBase,
		MakerPortBase: makerPortBase,
		TInit:         10 * time.Millisecond,
		TMax:          50 * time.Millisecond,
		TClean:        2 * time.Second,
		TChan:         2 * time.Second,
		TSpendFirst:   2 * time.Second,
		TSpendIdle:    200 * time.Millisecond,
	}
}

// makerClient is a tiny test client speaking spec.md §6's maker wire
// protocol over one TCP connection.
type makerClient struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func dialMaker(t *testing.T, addr string) *makerClient {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)

	mc := &makerClient{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	t.Cleanup(func() { conn.Close() })
	return mc
}

func (mc *makerClient) roundtrip(t *testing.T, req wire.MakerRequest) wire.MakerResponse {
	t.Helper()
	require.NoError(t, wire.WriteMakerFrame(mc.w, req))
	line, err := mc.r.ReadBytes('\n')
	require.NoError(t, err)
	var resp wire.MakerResponse
	require.NoError(t, resp.UnmarshalJSON(line))
	return resp
}

// startRing boots peerCount sites concurrently (grounded on
// golang.org/x/sync/errgroup's fan-out-and-wait, used here the way a
// multi-node test harness brings up a cluster before driving it) and
// returns them once every listener is open. Ring formation itself proceeds
// in the background after this returns.
func startRing(t *testing.T, peerPortBase, makerPortBase int, peerCount uint64) []*site {
	t.Helper()
	sites := make([]*site, peerCount)

	var g errgroup.Group
	for i := uint64(0); i < peerCount; i++ {
		i := i
		cfg := testCfg(i, peerCount, peerPortBase, makerPortBase)
		sites[i] = newSite(cfg)
		s := sites[i]
		g.Go(func() error {
			return s.Start()
		})
	}
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		for _, s := range sites {
			s.Stop()
		}
	})
	return sites
}

func TestIntegrationSingleSiteCreditsOnly(t *testing.T) {
	sites := startRing(t, 19100, 19200, 1)
	mc := dialMaker(t, sites[0].cfg.makerAddr(0))

	for i := 0; i < 2; i++ {
		resp := mc.roundtrip(t, wire.MakerRequest{Type: wire.TypeAddPoints, Account: 7, Points: 10})
		require.Empty(t, resp.Err)
	}

	require.Eventually(t, func() bool {
		acct, ok := sites[0].store.Get(7)
		return ok && acct.Balance == 20
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntegrationSingleSiteSpendHappyPath(t *testing.T) {
	sites := startRing(t, 19300, 19400, 1)
	mc := dialMaker(t, sites[0].cfg.makerAddr(0))

	resp := mc.roundtrip(t, wire.MakerRequest{Type: wire.TypeAddPoints, Account: 7, Points: 50})
	require.Empty(t, resp.Err)
	require.Eventually(t, func() bool {
		acct, ok := sites[0].store.Get(7)
		return ok && acct.Balance == 50
	}, 2*time.Second, 10*time.Millisecond)

	resp = mc.roundtrip(t, wire.MakerRequest{Type: wire.TypeRequestPoints, Account: 7, Points: 30})
	require.Empty(t, resp.Err)

	resp = mc.roundtrip(t, wire.MakerRequest{Type: wire.TypeTakePoints, Account: 7, Points: 30})
	require.Empty(t, resp.Err)

	require.Eventually(t, func() bool {
		acct, ok := sites[0].store.Get(7)
		return ok && acct.Balance == 20 && !acct.Reserved
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIntegrationSingleSiteSpendDenied(t *testing.T) {
	sites := startRing(t, 19500, 19600, 1)
	mc := dialMaker(t, sites[0].cfg.makerAddr(0))

	resp := mc.roundtrip(t, wire.MakerRequest{Type: wire.TypeAddPoints, Account: 7, Points: 50})
	require.Empty(t, resp.Err)
	require.Eventually(t, func() bool {
		acct, ok := sites[0].store.Get(7)
		return ok && acct.Balance == 50
	}, 2*time.Second, 10*time.Millisecond)

	resp = mc.roundtrip(t, wire.MakerRequest{Type: wire.TypeRequestPoints, Account: 7, Points: 100})
	require.Equal(t, wire.ErrNotEnoughPoints, resp.Err)

	acct, ok := sites[0].store.Get(7)
	require.True(t, ok)
	require.EqualValues(t, 50, acct.Balance)
}

// TestIntegrationJoinCatchesUpLateSite exercises spec.md §8 scenario 6: a
// three-site ring where the third site starts only after the other two
// have already exchanged credits, and must converge via the Join diff's
// catch-up mechanism (ringsend.go's handleJoinRelay takeover,
// ringrecv.go's handleJoin applying msg.Changes) rather than by waiting
// for an ordinary token lap.
func TestIntegrationJoinCatchesUpLateSite(t *testing.T) {
	const peerPortBase, makerPortBase = 19900, 20050

	cfg0 := testCfg(0, 3, peerPortBase, makerPortBase)
	cfg1 := testCfg(1, 3, peerPortBase, makerPortBase)
	s0 := newSite(cfg0)
	s1 := newSite(cfg1)
	require.NoError(t, s0.Start())
	t.Cleanup(s0.Stop)
	require.NoError(t, s1.Start())
	t.Cleanup(s1.Stop)

	mc0 := dialMaker(t, cfg0.makerAddr(0))
	resp := mc0.roundtrip(t, wire.MakerRequest{Type: wire.TypeAddPoints, Account: 11, Points: 100})
	require.Empty(t, resp.Err)

	require.Eventually(t, func() bool {
		acct, ok := s1.store.Get(11)
		return ok && acct.Balance == 100
	}, 3*time.Second, 20*time.Millisecond)

	cfg2 := testCfg(2, 3, peerPortBase, makerPortBase)
	s2 := newSite(cfg2)
	require.NoError(t, s2.Start())
	t.Cleanup(s2.Stop)

	require.Eventually(t, func() bool {
		acct, ok := s2.store.Get(11)
		return ok && acct.Balance == 100
	}, 3*time.Second, 20*time.Millisecond)
}

func TestIntegrationThreeSitesCreditPropagates(t *testing.T) {
	sites := startRing(t, 19700, 19800, 3)
	mcA := dialMaker(t, sites[0].cfg.makerAddr(0))

	resp := mcA.roundtrip(t, wire.MakerRequest{Type: wire.TypeAddPoints, Account: 7, Points: 40})
	require.Empty(t, resp.Err)

	// Wait for the token to complete at least one full lap so every
	// site's replica converges (spec.md §8 scenario 4).
	require.Eventually(t, func() bool {
		acct, ok := sites[2].store.Get(7)
		return ok && acct.Balance == 40
	}, 5*time.Second, 20*time.Millisecond)

	mcC := dialMaker(t, sites[2].cfg.makerAddr(2))
	resp = mcC.roundtrip(t, wire.MakerRequest{Type: wire.TypeRequestPoints, Account: 7, Points: 40})
	require.Empty(t, resp.Err)

	resp = mcC.roundtrip(t, wire.MakerRequest{Type: wire.TypeCancelPointsRequest, Account: 7, Points: 40})
	require.Empty(t, resp.Err)
}
