package main

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coffeenet/coffeed/internal/account"
	"github.com/coffeenet/coffeed/internal/clockutil"
	"github.com/coffeenet/coffeed/internal/orderqueue"
)

// site is one shop's server process: it wires C1-C9 together and owns their
// lifecycle. Grounded on server.go's top-level server struct, which plays
// the same role for lnd's peers/htlcswitch/chainService collection.
type site struct {
	cfg *config

	store     *account.Store
	queue     *orderqueue.Queue
	responses *responseRegistry

	connStatus *connStatus
	haveToken  atomic.Bool

	maker      *makerServer
	dispatcher *dispatcher
	orders     *ordersManager
	sender     *ringSender

	peerListener net.Listener

	tokenCh       chan tokenArrival
	spendResultCh chan spendOutcome
	requestsCh    chan makerEnvelope
	outboundCh    chan outboundItem

	quit chan struct{}
	wg   sync.WaitGroup
}

// newSite constructs a site from its config. Nothing is listening yet;
// call Start.
func newSite(cfg *config) *site {
	store := account.New(clockutil.WallClock{})
	queue := orderqueue.New()
	responses := newResponseRegistry()
	cs := newConnStatus()

	s := &site{
		cfg:           cfg,
		store:         store,
		queue:         queue,
		responses:     responses,
		connStatus:    cs,
		tokenCh:       make(chan tokenArrival),
		spendResultCh: make(chan spendOutcome),
		requestsCh:    make(chan makerEnvelope),
		outboundCh:    make(chan outboundItem, 1),
		quit:          make(chan struct{}),
	}

	s.maker = newMakerServer(cfg.makerAddr(cfg.MyID), responses, s.requestsCh)
	s.dispatcher = newDispatcher(cfg.MyID, queue, responses, cs, s.spendResultCh, s.requestsCh, s.quit)
	s.orders = newOrdersManager(
		cfg.MyID, store, queue, responses, s.tokenCh, s.spendResultCh,
		&s.haveToken, s.forwardToken, cfg.TSpendFirst, cfg.TSpendIdle,
	)
	s.sender = newRingSender(
		cfg.MyID, cfg.PeerCount, cfg, store, queue, responses, cs,
		&s.haveToken, s.outboundCh,
	)

	return s
}

// forwardToken is the callback the orders manager uses to hand a completed
// token phase to C7, spec.md §4.5 step 5.
func (s *site) forwardToken(data tokenData) {
	s.outboundCh <- outboundItem{token: data}
}

// Start opens both listeners and launches every component's goroutine.
func (s *site) Start() error {
	peerAddr := s.cfg.peerAddr(s.cfg.MyID)
	l, err := net.Listen("tcp", peerAddr)
	if err != nil {
		return fmt.Errorf("peer listener: %w", err)
	}
	s.peerListener = l

	if err := s.maker.Start(); err != nil {
		l.Close()
		return fmt.Errorf("maker listener: %w", err)
	}

	s.wg.Add(1)
	go s.acceptPeers()

	go s.dispatcher.run()
	s.orders.Start()
	s.sender.Start()

	srvrLog.Infof("site %d listening: peer=%s maker=%s",
		s.cfg.MyID, peerAddr, s.cfg.makerAddr(s.cfg.MyID))
	return nil
}

// Stop tears the site down: closes both listeners, stops every component,
// and waits for their goroutines to exit. Grounded on server.go's
// Stop()/close(s.quit) fan-out.
func (s *site) Stop() {
	close(s.quit)
	s.peerListener.Close()
	s.maker.Stop()
	s.sender.Stop()
	s.orders.Stop()
	s.wg.Wait()
}

// acceptPeers accepts inbound ring connections and spawns one ringReceiver
// worker per connection, spec.md §4.6 "one instance per accepted inbound
// peer connection."
func (s *site) acceptPeers() {
	defer s.wg.Done()

	for {
		conn, err := s.peerListener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				srvrLog.Errorf("peer accept error: %v", err)
				return
			}
		}

		rr := newRingReceiver(
			conn, s.cfg.MyID, s.store, s.connStatus, &s.haveToken,
			s.tokenCh, s.outboundCh,
		)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			rr.run()
		}()
	}
}
