package main

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coffeenet/coffeed/internal/wire"
)

// responseRegistry is the shared map from maker-id to that maker's reply
// channel (spec.md §3 "maker response channel map", §5 concurrency table:
// "protected by one mutex; writers C3; readers C4"). Grounded on
// peer.go/server.go's pattern of a map guarded by its own small mutex,
// distinct from any other shared state's lock.
type responseRegistry struct {
	mu   sync.Mutex
	chs  map[uint64]chan wire.MakerResponse
}

func newResponseRegistry() *responseRegistry {
	return &responseRegistry{chs: make(map[uint64]chan wire.MakerResponse)}
}

// register creates and stores a reply channel for makerID, overwriting any
// previous registration for that id (ids are never reused within a process
// lifetime, see makerServer.nextMakerID).
func (r *responseRegistry) register(makerID uint64) chan wire.MakerResponse {
	ch := make(chan wire.MakerResponse, 1)
	r.mu.Lock()
	r.chs[makerID] = ch
	r.mu.Unlock()
	return ch
}

// unregister removes makerID's reply channel once its connection worker
// exits.
func (r *responseRegistry) unregister(makerID uint64) {
	r.mu.Lock()
	delete(r.chs, makerID)
	r.mu.Unlock()
}

// reply delivers resp to makerID's channel if it's still registered. A
// missing entry means the maker already disconnected; the reply is simply
// dropped, matching spec.md §4.4's framing that a maker which vanishes
// before its Ok/Err arrives is not this layer's problem to recover.
func (r *responseRegistry) reply(makerID uint64, resp wire.MakerResponse) {
	r.mu.Lock()
	ch, ok := r.chs[makerID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
		// Channel is buffered for exactly one response; a second send
		// before the first was consumed indicates a protocol misuse
		// upstream and is dropped rather than blocking the sender.
	}
}

// makerServer listens for coffee-maker connections and bridges each one
// into the order pipeline (spec.md §4.3, component C3). Grounded on
// server.go's listener/newPeer/peer.Start flow, collapsed here into one
// struct since a maker connection has no handshake or channel-management
// state worth splitting into its own peer.go-sized file.
type makerServer struct {
	addr string

	nextMakerID uint64 // atomic

	responses *responseRegistry
	requests  chan<- makerEnvelope

	listener net.Listener

	wg   sync.WaitGroup
	quit chan struct{}
}

func newMakerServer(addr string, responses *responseRegistry, requests chan<- makerEnvelope) *makerServer {
	return &makerServer{
		addr:      addr,
		responses: responses,
		requests:  requests,
		quit:      make(chan struct{}),
	}
}

// Start opens the maker listener and begins accepting connections.
// NOTE: must be called at most once.
func (m *makerServer) Start() error {
	l, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.listener = l

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// Stop closes the listener and waits for every maker worker to exit.
func (m *makerServer) Stop() {
	close(m.quit)
	if m.listener != nil {
		m.listener.Close()
	}
	m.wg.Wait()
}

func (m *makerServer) acceptLoop() {
	defer m.wg.Done()
	mkrLog.Infof("maker server listening on %s", m.addr)

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
				mkrLog.Errorf("maker accept error: %v", err)
				return
			}
		}

		makerID := atomic.AddUint64(&m.nextMakerID, 1)
		respCh := m.responses.register(makerID)

		m.wg.Add(1)
		go m.handleMaker(conn, makerID, respCh)
	}
}

// handleMaker decodes framed requests from one maker connection in series,
// forwards each to the dispatcher with its maker id, and writes back
// whatever response arrives on this maker's channel (spec.md §4.3).
func (m *makerServer) handleMaker(conn net.Conn, makerID uint64, respCh chan wire.MakerResponse) {
	defer m.wg.Done()
	defer conn.Close()
	defer m.responses.unregister(makerID)

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		req, err := wire.ReadMakerRequest(r)
		if err != nil {
			if err != io.EOF {
				mkrLog.Debugf("maker %d read error: %v", makerID, err)
			}
			return
		}

		select {
		case m.requests <- makerEnvelope{req: *req, makerID: makerID}:
		case <-m.quit:
			return
		}

		var resp wire.MakerResponse
		select {
		case resp = <-respCh:
		case <-m.quit:
			return
		}

		if err := wire.WriteMakerFrame(w, resp); err != nil {
			mkrLog.Debugf("maker %d write error: %v", makerID, err)
			return
		}
	}
}
