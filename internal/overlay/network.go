package overlay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EndpointPair is a transport-level address pair: the address this node
// reaches a peer on, and (when known) the address the peer expects to be
// reached on. The core treats the contents as opaque strings (§4.5).
type EndpointPair struct {
	Local  string
	Remote string
}

// SendResult is the outcome the transport reports for a Send call (§4.5).
type SendResult int

const (
	SendSuccess SendResult = iota
	SendFailure
	SendFatalFailure
)

func (r SendResult) String() string {
	switch r {
	case SendSuccess:
		return "success"
	case SendFailure:
		return "send_failure"
	case SendFatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// NetworkAdaptor is the external contract the core requires from the
// reliable datagram transport (§4.5). The core is agnostic to the concrete
// implementation; WebsocketAdaptor below is the one this repository ships.
type NetworkAdaptor interface {
	// Bootstrap dials endpoints (in the order given; the core makes no
	// ordering guarantee, §9 open question i) and returns the connection id
	// of the first peer to accept, or false if none did.
	Bootstrap(ctx context.Context, endpoints []string, isVault bool, self Identifier) (Identifier, bool)

	// GetAvailableEndpoint reports the endpoint pair this node would use to
	// reach peer, a hint at the peer's own pair, and this node's inferred
	// NAT posture.
	GetAvailableEndpoint(peer Identifier) (EndpointPair, EndpointPair, NATType)

	// Add registers peer at endpoint, presenting validationData (a signed
	// blob from the credential subsystem) for the remote side to check.
	Add(peer Identifier, endpoint EndpointPair, validationData []byte) error

	// MarkValid confirms a previously-Added peer/endpoint pair as usable.
	MarkValid(peer Identifier, endpoint EndpointPair) error

	// Remove tears down any connection to peer.
	Remove(peer Identifier)

	// Send transmits data to peer; onComplete is invoked exactly once, from
	// a goroutine the caller does not own, with the outcome.
	Send(peer Identifier, data []byte, onComplete func(SendResult))

	// OnRecv registers the core's single inbound entry point.
	OnRecv(func(data []byte, from Identifier))

	// OnLost registers the callback invoked when a connection drops outside
	// of an explicit Remove.
	OnLost(func(peer Identifier))

	// Close releases listener and connection resources.
	Close() error
}

// peerConn wraps a websocket connection with a write mutex; gorilla's
// connections do not support concurrent writers.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// WebsocketAdaptor is the concrete NetworkAdaptor carrying the binary
// message codec (§6) over gorilla/websocket, adapted from the donor
// transport's connection bookkeeping.
type WebsocketAdaptor struct {
	mu    sync.RWMutex
	self  Identifier
	conns map[Identifier]*peerConn

	onRecv func([]byte, Identifier)
	onLost func(Identifier)

	listener net.Listener
	server   *http.Server
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewWebsocketAdaptor creates an adaptor for the given local identity.
func NewWebsocketAdaptor(self Identifier) *WebsocketAdaptor {
	return &WebsocketAdaptor{
		self:  self,
		conns: make(map[Identifier]*peerConn),
	}
}

// Listen starts a websocket server on the given address. Use ":0" for a
// random available port.
func (a *WebsocketAdaptor) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/overlay", a.handleWS)
	a.server = &http.Server{Handler: mux}
	go a.server.Serve(ln) //nolint:errcheck
	return nil
}

// Addr returns the listener's network address, or "" if not listening.
func (a *WebsocketAdaptor) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *WebsocketAdaptor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(int64(DefaultLargeMessageSize))
	pc := &peerConn{conn: conn}
	go a.readLoop(pc, Identifier{}, true)
}

func (a *WebsocketAdaptor) dial(address string) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://%s/overlay", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	conn.SetReadLimit(int64(DefaultLargeMessageSize))
	return conn, nil
}

// Bootstrap dials each endpoint in turn and returns the id the remote side
// identifies as once the connection is confirmed by its first frame, which
// by convention must be the connecting node's own id. The first successful
// dial wins; the core does not require endpoints to be pre-sorted (§9).
func (a *WebsocketAdaptor) Bootstrap(ctx context.Context, endpoints []string, isVault bool, self Identifier) (Identifier, bool) {
	for _, ep := range endpoints {
		conn, err := a.dial(ep)
		if err != nil {
			continue
		}
		pc := &peerConn{conn: conn}

		hello := (&Message{
			Type:       MsgConnect,
			Request:    true,
			SourceID:   self,
			ClientNode: !isVault,
			HopsToLive: DefaultHopsToLive,
			Replication: 1,
		}).Encode()

		pc.wmu.Lock()
		writeErr := conn.WriteMessage(websocket.BinaryMessage, hello)
		pc.wmu.Unlock()
		if writeErr != nil {
			conn.Close()
			continue
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			continue
		}
		reply, err := DecodeMessage(frame)
		if err != nil {
			conn.Close()
			continue
		}

		peerID := reply.SourceID
		a.mu.Lock()
		a.conns[peerID] = pc
		a.mu.Unlock()
		go a.readLoop(pc, peerID, false)
		return peerID, true
	}
	return Identifier{}, false
}

func (a *WebsocketAdaptor) readLoop(pc *peerConn, peerID Identifier, inbound bool) {
	identified := !inbound
	defer func() {
		pc.conn.Close()
		if identified {
			a.mu.Lock()
			if existing, ok := a.conns[peerID]; ok && existing == pc {
				delete(a.conns, peerID)
			}
			a.mu.Unlock()
			a.mu.RLock()
			onLost := a.onLost
			a.mu.RUnlock()
			if onLost != nil {
				onLost(peerID)
			}
		}
	}()

	for {
		_, frame, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}

		if !identified {
			m, err := DecodeMessage(frame)
			if err != nil {
				continue
			}
			peerID = m.SourceID
			a.mu.Lock()
			a.conns[peerID] = pc
			a.mu.Unlock()
			identified = true
		}

		a.mu.RLock()
		onRecv := a.onRecv
		a.mu.RUnlock()
		if onRecv != nil {
			onRecv(frame, peerID)
		}
	}
}

// GetAvailableEndpoint reports this node's own listening address as both
// the local and remote hint; a NAT-aware transport would differ here.
func (a *WebsocketAdaptor) GetAvailableEndpoint(peer Identifier) (EndpointPair, EndpointPair, NATType) {
	addr := a.Addr()
	return EndpointPair{Local: addr}, EndpointPair{}, NATUnknown
}

// Add dials peer at endpoint and presents validationData as the initial
// handshake payload.
func (a *WebsocketAdaptor) Add(peer Identifier, endpoint EndpointPair, validationData []byte) error {
	conn, err := a.dial(endpoint.Remote)
	if err != nil {
		return err
	}
	pc := &peerConn{conn: conn}

	hello := (&Message{
		Type:        MsgConnect,
		Request:     true,
		SourceID:    a.self,
		HopsToLive:  DefaultHopsToLive,
		Replication: 1,
		Data:        validationData,
	}).Encode()

	pc.wmu.Lock()
	writeErr := conn.WriteMessage(websocket.BinaryMessage, hello)
	pc.wmu.Unlock()
	if writeErr != nil {
		conn.Close()
		return fmt.Errorf("write connect: %w", writeErr)
	}

	a.mu.Lock()
	a.conns[peer] = pc
	a.mu.Unlock()
	go a.readLoop(pc, peer, false)
	return nil
}

// MarkValid is a no-op on this adaptor: connections are usable as soon as
// Add succeeds. A transport with a pending-validation state would act here.
func (a *WebsocketAdaptor) MarkValid(peer Identifier, endpoint EndpointPair) error {
	return nil
}

// Remove closes and forgets any connection to peer.
func (a *WebsocketAdaptor) Remove(peer Identifier) {
	a.mu.Lock()
	pc, ok := a.conns[peer]
	if ok {
		delete(a.conns, peer)
	}
	a.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// Send writes data to peer and reports the outcome asynchronously. A
// missing connection is reported as SendFatalFailure, matching the
// furthest-node and forwarding paths' expectation that a fatal failure
// removes the connection immediately (§4.6 RecursiveSend).
func (a *WebsocketAdaptor) Send(peer Identifier, data []byte, onComplete func(SendResult)) {
	a.mu.RLock()
	pc, ok := a.conns[peer]
	a.mu.RUnlock()

	if !ok {
		go onComplete(SendFatalFailure)
		return
	}

	go func() {
		pc.wmu.Lock()
		err := pc.conn.WriteMessage(websocket.BinaryMessage, data)
		pc.wmu.Unlock()
		if err != nil {
			onComplete(SendFailure)
			return
		}
		onComplete(SendSuccess)
	}()
}

// OnRecv registers the core's inbound entry point.
func (a *WebsocketAdaptor) OnRecv(f func([]byte, Identifier)) {
	a.mu.Lock()
	a.onRecv = f
	a.mu.Unlock()
}

// OnLost registers the callback invoked when a connection drops on its own.
func (a *WebsocketAdaptor) OnLost(f func(Identifier)) {
	a.mu.Lock()
	a.onLost = f
	a.mu.Unlock()
}

// Close shuts down the listener and every open connection.
func (a *WebsocketAdaptor) Close() error {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.server.Shutdown(ctx) //nolint:errcheck
	}

	a.mu.Lock()
	for id, pc := range a.conns {
		pc.conn.Close()
		delete(a.conns, id)
	}
	a.mu.Unlock()
	return nil
}
