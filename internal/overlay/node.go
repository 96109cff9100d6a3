package overlay

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHealthInterval is the bucket-refresh cadence a Node uses when
// NodeConfig.HealthInterval is zero.
const DefaultHealthInterval = 5 * time.Minute

// Credential is the identity/credential collaborator (§4.5) the Node
// Lifecycle draws on: its own id, and the signed blob presented as
// NetworkAdaptor.Add's validation_data when this node reaches out to a
// peer directly rather than through Bootstrap. internal/identity supplies
// the concrete implementation; the core only depends on this contract.
type Credential interface {
	ID() Identifier
	SignValidation(nonce []byte) []byte
}

// NodeConfig bundles the dispatch Config with the collaborators and
// addressing the Node Lifecycle needs to bring a peer up: credentials,
// transport, the application delivery callback, and bootstrap endpoints.
type NodeConfig struct {
	Config

	Credential Credential
	Network    NetworkAdaptor
	Deliver    ApplicationDeliverer
	Logger     *log.Logger

	BootstrapEndpoints []string

	// IsVault is passed to NetworkAdaptor.Bootstrap; it is the transport's
	// name for !ClientMode (a vault node forwards, a client does not).
	IsVault bool

	HealthInterval time.Duration
}

// Node is a running overlay peer (§5 Node Lifecycle): it wires the Routing
// Table, Non-Routing Table, Group Matrix, Group-Change Handler,
// Furthest-Node Protocol, Timer, and Message Handler together, and drives
// bootstrap, join, periodic bucket health, and shutdown.
type Node struct {
	self  Identifier
	cred  Credential
	cfg   Config
	runID string

	rt       *RoutingTable
	nrt      *NonRoutingTable
	matrix   *GroupMatrix
	timer    *Timer
	furthest *FurthestNodeProtocol
	group    *GroupChangeHandler
	handler  *Handler
	network  NetworkAdaptor
	logger   *log.Logger

	bootstrapEndpoints []string
	isVault            bool
	healthInterval     time.Duration

	mu         sync.Mutex
	shutdown   bool
	stopHealth chan struct{}
	healthDone chan struct{}
}

// NewNode wires a Node from nc. Nothing network-facing happens yet; call
// Start to bootstrap and begin the health loop.
func NewNode(nc NodeConfig) *Node {
	cfg := nc.Config.normalize()
	logger := nc.Logger
	if logger == nil {
		logger = log.Default()
	}
	healthInterval := nc.HealthInterval
	if healthInterval == 0 {
		healthInterval = DefaultHealthInterval
	}

	self := nc.Credential.ID()
	rt := NewRoutingTable(self, cfg.MaxRoutingTableSize, cfg.ClosestNodesSize)
	nrt := NewNonRoutingTable(DefaultMaxNRT)
	matrix := NewGroupMatrix(rt)
	timer := NewTimer()
	furthest := NewFurthestNodeProtocol(self, rt, matrix, nc.Network, timer)
	group := NewGroupChangeHandler(rt, matrix, nc.Network, cfg.ClosestNodesSize)

	n := &Node{
		self:               self,
		cred:               nc.Credential,
		cfg:                cfg,
		runID:              uuid.NewString(),
		rt:                 rt,
		nrt:                nrt,
		matrix:             matrix,
		timer:              timer,
		furthest:           furthest,
		group:              group,
		network:            nc.Network,
		logger:             logger,
		bootstrapEndpoints: nc.BootstrapEndpoints,
		isVault:            nc.IsVault,
		healthInterval:     healthInterval,
	}

	n.handler = NewHandler(HandlerDeps{
		Self: self, Config: cfg, RT: rt, NRT: nrt, Matrix: matrix,
		Network: nc.Network, Furthest: furthest, Group: group, Timer: timer,
		Deliver: nc.Deliver, Logger: logger, IsShutdown: n.isShutdown,
	})

	nc.Network.OnRecv(n.handler.Dispatch)
	nc.Network.OnLost(n.onConnectionLost)

	return n
}

// ID returns this node's identifier.
func (n *Node) ID() Identifier { return n.self }

// RunID returns the random identifier stamped at construction, used only
// in log lines and the debug local API to tell concurrent runs apart.
func (n *Node) RunID() string { return n.runID }

// RoutingTable, NonRoutingTable, GroupMatrix, and Handler expose the
// collaborators the debug local API inspects.
func (n *Node) RoutingTable() *RoutingTable       { return n.rt }
func (n *Node) NonRoutingTable() *NonRoutingTable { return n.nrt }
func (n *Node) GroupMatrix() *GroupMatrix         { return n.matrix }
func (n *Node) Handler() *Handler                 { return n.handler }

// onConnectionLost is the Network Adaptor's on_lost callback (§4.5): a
// connection dropped outside an explicit Remove is reconciled the same way
// an explicit removal is, so RT, NRT, and the Group Matrix stay consistent
// with what the transport actually has open.
func (n *Node) onConnectionLost(peer Identifier) {
	n.rt.Remove(peer)
	n.nrt.Remove(peer)
	n.matrix.Drop(peer)
}

func (n *Node) isShutdown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shutdown
}

// Start bootstraps against the configured endpoints, if any, and begins
// the periodic bucket-health loop. It is safe to call with no bootstrap
// endpoints configured; the node simply waits for inbound connections.
func (n *Node) Start(ctx context.Context) error {
	if len(n.bootstrapEndpoints) > 0 {
		if err := n.Bootstrap(ctx, n.bootstrapEndpoints); err != nil {
			return err
		}
	}
	n.startHealthLoop()
	return nil
}

// Bootstrap dials endpoints via the Network Adaptor and, on success, adds
// the discovered contact to the Routing Table and asks it for the nodes
// closest to self, so the table fills in beyond the single bootstrap
// contact — the "join" half of §5's bootstrap/join pair.
func (n *Node) Bootstrap(ctx context.Context, endpoints []string) error {
	peerID, ok := n.network.Bootstrap(ctx, endpoints, n.isVault, n.self)
	if !ok {
		return fmt.Errorf("overlay: bootstrap exhausted %d endpoints", len(endpoints))
	}

	n.rt.Add(PeerInfo{NodeID: peerID})
	n.join(peerID)
	return nil
}

// join asks via for the nodes it considers closest to self. The response
// is handled inline by the Message Handler's MsgFindNodes case, which adds
// whatever it receives to RT through the ordinary bucket-coverage policy.
func (n *Node) join(via Identifier) {
	req := &Message{
		Type: MsgFindNodes, Request: true, Direct: true,
		SourceID: n.self, DestinationID: n.self,
		HopsToLive: DefaultHopsToLive, Replication: 1, ID: rand.Uint32(),
	}
	n.timer.Register(req.ID, 5*time.Second, func() {
		n.logger.Printf("overlay: join via %s timed out", via.ShortHex())
	})
	n.network.Send(via, req.Encode(), func(result SendResult) {
		if result != SendSuccess {
			n.timer.Notify(req.ID)
		}
	})
}

// Connect reaches out to a peer directly, outside of Bootstrap: it asks
// the Network Adaptor for an endpoint, presents a freshly-signed
// validation blob, and lets the usual MsgConnect handshake add the peer
// to RT once the transport confirms the connection.
func (n *Node) Connect(peer Identifier) error {
	local, _, _ := n.network.GetAvailableEndpoint(peer)
	nonce := make([]byte, 16)
	rand.Read(nonce) //nolint:errcheck
	validation := n.cred.SignValidation(nonce)
	return n.network.Add(peer, local, validation)
}

// startHealthLoop begins the periodic bucket-refresh cycle (§5 "periodic
// health"), adapted from the donor's RepairLoop ticker/stop-channel shape.
func (n *Node) startHealthLoop() {
	n.mu.Lock()
	if n.stopHealth != nil {
		n.mu.Unlock()
		return
	}
	n.stopHealth = make(chan struct{})
	n.healthDone = make(chan struct{})
	stop := n.stopHealth
	done := n.healthDone
	n.mu.Unlock()

	go n.runHealthLoop(stop, done)
}

func (n *Node) runHealthLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(n.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.healthCycle()
		case <-stop:
			return
		}
	}
}

// healthCycle pings the single most-stale peer in every occupied bucket.
// A bucket with no occupants is skipped; a ping that fails fatally removes
// the peer and lets a future Add reclaim the slot, the same reclamation
// path a failed forward already uses.
func (n *Node) healthCycle() {
	stalest := make(map[uint16]PeerInfo)
	for _, p := range n.rt.All() {
		clb := CommonLeadingBits(n.self, p.NodeID)
		cur, ok := stalest[clb]
		if !ok || p.LastSeen.Before(cur.LastSeen) {
			stalest[clb] = p
		}
	}

	for _, p := range stalest {
		n.pingForHealth(p.NodeID)
	}
}

func (n *Node) pingForHealth(peer Identifier) {
	m := &Message{
		Type: MsgPing, Request: true, Direct: true,
		SourceID: n.self, DestinationID: peer,
		HopsToLive: 1, Replication: 1, ID: rand.Uint32(),
	}
	n.timer.Register(m.ID, 5*time.Second, func() {
		n.logger.Printf("overlay: health ping to %s timed out", peer.ShortHex())
	})
	n.network.Send(peer, m.Encode(), func(result SendResult) {
		if result == SendSuccess {
			return
		}
		n.timer.Notify(m.ID)
		if result == SendFatalFailure {
			n.network.Remove(peer)
			n.rt.Remove(peer)
			n.matrix.Drop(peer)
		}
	})
}

// Stop implements §5's cancellation primitive: it sets the shutdown flag
// under the same lock Dispatch checks, halts the health loop, cancels
// every pending Timer entry, and releases the transport handle last, after
// the health loop has fully unwound.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	stop := n.stopHealth
	done := n.healthDone
	n.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	n.timer.Stop()
	return n.network.Close()
}
