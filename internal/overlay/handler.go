package overlay

import (
	"log"
	"time"
)

// ApplicationDeliverer is the user callback the Message Handler delivers
// non-routing-type messages to (§4.6 step 5). reply, when non-nil, sends a
// response back along the same path the request arrived on.
type ApplicationDeliverer func(m *Message, reply func(data []byte))

// Handler is the state-free dispatcher of §4.6: on every inbound message it
// classifies and chooses local delivery, single-peer forwarding, group
// replication, or relay. It is "state-free" in the sense the spec means:
// all durable state lives in the Routing Table, NRT, and Group Matrix it is
// handed; Handler itself holds only collaborator references.
type Handler struct {
	self    Identifier
	cfg     Config
	rt      *RoutingTable
	nrt     *NonRoutingTable
	matrix  *GroupMatrix
	network NetworkAdaptor
	furthest *FurthestNodeProtocol
	group   *GroupChangeHandler
	timer   *Timer
	limiter *peerLimiter
	deliver ApplicationDeliverer
	logger  *log.Logger

	clientMode bool
	shutdown   func() bool
}

// HandlerDeps bundles the collaborators a Handler needs, mirroring the
// constructor-injection shape the donor node used for its own dependencies.
type HandlerDeps struct {
	Self       Identifier
	Config     Config
	RT         *RoutingTable
	NRT        *NonRoutingTable
	Matrix     *GroupMatrix
	Network    NetworkAdaptor
	Furthest   *FurthestNodeProtocol
	Group      *GroupChangeHandler
	Timer      *Timer
	Deliver    ApplicationDeliverer
	Logger     *log.Logger
	IsShutdown func() bool
}

// NewHandler wires a Handler from its dependencies.
func NewHandler(d HandlerDeps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		self:       d.Self,
		cfg:        d.Config.normalize(),
		rt:         d.RT,
		nrt:        d.NRT,
		matrix:     d.Matrix,
		network:    d.Network,
		furthest:   d.Furthest,
		group:      d.Group,
		timer:      d.Timer,
		limiter:    newPeerLimiter(),
		deliver:    d.Deliver,
		logger:     logger,
		clientMode: d.Config.ClientMode,
		shutdown:   d.IsShutdown,
	}
}

// Dispatch is the core's single inbound entry point (§4.5), registered
// with the Network Adaptor via OnRecv.
func (h *Handler) Dispatch(raw []byte, from Identifier) {
	if h.shutdown != nil && h.shutdown() {
		return
	}
	if !h.limiter.Allow(from) {
		return
	}

	m, err := DecodeMessage(raw)
	if err != nil {
		h.logger.Printf("overlay: dropping malformed frame from %s: %v", from.ShortHex(), err)
		return
	}
	if err := m.Validate(h.cfg.GroupSize, h.cfg.MaxRouteHistory); err != nil {
		h.logger.Printf("overlay: dropping invalid message %d from %s: %v", m.ID, from.ShortHex(), err)
		return
	}
	m.HopsToLive--

	h.handle(m, from)
}

// handle implements §4.6 steps 2-7 on an already-validated, hop-decremented
// message.
func (h *Handler) handle(m *Message, from Identifier) {
	// Step 2: self-group request.
	if m.SourceID == h.self && m.DestinationID == h.self && m.Request && !m.Direct {
		h.forwardToClosest(m, nil)
		return
	}

	// Step 3: client mode.
	if h.clientMode {
		if m.SourceID.IsZero() {
			return
		}
		if !m.Type.IsRoutingType() && m.DestinationID != h.self {
			return
		}
	}

	// Step 4: relay request.
	if m.isRelayRequest() {
		h.handleRelayRequest(m, from)
		return
	}

	// Step 5: destination is self.
	if m.DestinationID == h.self {
		if m.RelayID != nil && !m.Request && m.DestinationID != *m.RelayID {
			m.DestinationID = Identifier{}
			h.forwardToClosest(m, nil)
			return
		}
		h.deliverLocally(m, from)
		return
	}

	// Step 6: non-routing destination. A node id may have opened several
	// logical connections; per §3/§4.3 a match is delivered by sending to
	// every one of them, not just the first.
	if conns, ok := h.nrt.GetAll(m.DestinationID); ok && m.Direct {
		delivered := false
		for _, p := range conns {
			if !p.IsClient && m.ClientNode && m.Request && m.SourceID != m.DestinationID {
				continue
			}
			h.sendDirect(connTarget(p), m)
			delivered = true
		}
		if delivered {
			return
		}
	}

	// Step 7: closest classification.
	inRange := h.rt.IsThisNodeInRange(m.DestinationID, h.cfg.GroupSize)
	closest := h.rt.IsThisNodeClosestTo(m.DestinationID, !m.Direct) && m.Visited
	if inRange || closest {
		h.handleAsClosest(m, from)
		return
	}
	h.forwardToClosest(m, nil)
}

// handleAsClosest implements the two "Handling as closest" sub-cases.
func (h *Handler) handleAsClosest(m *Message, from Identifier) {
	if m.Direct {
		h.handleAsClosestDirect(m, from)
		return
	}
	h.handleAsClosestGroup(m, from)
}

func (h *Handler) handleAsClosestDirect(m *Message, from Identifier) {
	if p, ok := h.rt.Get(m.DestinationID); ok {
		h.sendDirect(p.NodeID, m)
		return
	}
	if conns, ok := h.nrt.GetAll(m.DestinationID); ok {
		for _, p := range conns {
			h.sendDirect(connTarget(p), m)
		}
		return
	}
	if !m.Visited {
		m.Visited = true
		h.forwardToClosest(m, nil)
		return
	}
	// Drop: not matched, already visited once.
}

func (h *Handler) handleAsClosestGroup(m *Message, from Identifier) {
	if !m.Visited && h.rt.Size() > h.cfg.ClosestNodesSize && !h.rt.IsThisNodeInRange(m.DestinationID, h.cfg.ClosestNodesSize) {
		m.Visited = true
		h.forwardToClosest(m, nil)
		return
	}

	leader, forwardTo := h.matrix.IsThisNodeGroupLeader(m.DestinationID)
	if !leader {
		h.sendDirect(forwardTo.NodeID, m)
		return
	}

	h.fanOutGroup(m)
}

// fanOutGroup implements the leader's replication fan-out: replication' is
// replication-1, unless an RT peer exactly equals destination (in which
// case it is excluded from the closest set and replication is unchanged so
// it still receives its own copy).
func (h *Handler) fanOutGroup(m *Message) {
	replication := m.Replication - 1
	excluded, destInRT := h.rt.Get(m.DestinationID)
	if destInRT {
		replication = m.Replication
	}

	var exclude []Identifier
	if destInRT {
		exclude = []Identifier{excluded.NodeID}
	}
	targets := h.rt.GetClosest(m.DestinationID, int(replication), exclude, false, true)

	for _, t := range targets {
		copyMsg := *m
		copyMsg.Direct = true
		copyMsg.DestinationID = t.NodeID
		copyMsg.RouteHistory = append([]Identifier(nil), m.RouteHistory...)
		h.sendDirect(t.NodeID, &copyMsg)
	}
	if destInRT {
		h.sendDirect(excluded.NodeID, &Message{
			Type: m.Type, Request: m.Request, Direct: true,
			SourceID: m.SourceID, DestinationID: excluded.NodeID,
			Replication: 1, HopsToLive: m.HopsToLive, ID: m.ID, Data: m.Data,
			RouteHistory: append([]Identifier(nil), m.RouteHistory...),
		})
	}

	h.cfg.CacheHook.OnDelivered(m)
	h.deliverLocally(m, Identifier{})
}

// deliverLocally handles a message addressed to self: routing types are
// handled inline, everything else reaches the application.
func (h *Handler) deliverLocally(m *Message, from Identifier) {
	if resp := h.handleRoutingTypeInline(m, from); resp != nil {
		h.sendDirect(resp.DestinationID, resp)
		return
	}
	if m.Type.IsRoutingType() {
		return
	}

	h.cfg.CacheHook.OnDelivered(m)
	if h.deliver == nil {
		return
	}
	h.deliver(m, func(data []byte) {
		reply := &Message{
			Type:          m.Type,
			Request:       false,
			Direct:        true,
			SourceID:      h.self,
			DestinationID: m.SourceID,
			RelayID:       m.RelayID,
			HopsToLive:    DefaultHopsToLive,
			Replication:   1,
			ID:            m.ID,
			Data:          data,
		}
		if reply.RelayID != nil {
			// Relay return path (§4.8): destination is cleared so
			// downstream nodes recognize this as a relay response.
			reply.DestinationID = Identifier{}
			h.forwardToClosest(reply, nil)
			return
		}
		h.sendDirect(m.SourceID, reply)
	})
}

// handleRoutingTypeInline services the protocol message types the handler
// owns directly. It returns a response to send, or nil if none is needed.
func (h *Handler) handleRoutingTypeInline(m *Message, from Identifier) *Message {
	switch m.Type {
	case MsgPing:
		if !m.Request {
			return nil
		}
		return &Message{
			Type: MsgPing, Request: false, Direct: true,
			SourceID: h.self, DestinationID: m.SourceID,
			HopsToLive: 1, Replication: 1, ID: m.ID,
		}
	case MsgRemove:
		if m.Request {
			return h.furthest.HandleRemoveRequest(m)
		}
		h.furthest.HandleRemoveResponse(m)
		return nil
	case MsgAck:
		h.timer.Notify(m.ID)
		return nil
	case MsgClosestSubscribe, MsgClosestUpdate:
		subscribe, list, err := DecodeClosestUpdatePayload(m.Data)
		if err != nil {
			return nil
		}
		if subscribe {
			h.group.OnClosestNodesUpdate(m.SourceID, list)
		}
		return nil
	case MsgConnect:
		h.rt.Add(PeerInfo{NodeID: m.SourceID, IsClient: m.ClientNode})
		if m.Request {
			return &Message{
				Type: MsgConnectSuccess, Request: false, Direct: true,
				SourceID: h.self, DestinationID: m.SourceID,
				HopsToLive: 1, Replication: 1, ID: m.ID,
			}
		}
		return nil
	case MsgConnectSuccess:
		h.timer.Notify(m.ID)
		return nil
	case MsgFindNodes:
		if !m.Request {
			// Response: the peers offered are speculative RT candidates,
			// not a routing decision, so feed them through Add rather
			// than forward.
			for i := 0; i+IDLength <= len(m.Data); i += IDLength {
				var id Identifier
				copy(id[:], m.Data[i:i+IDLength])
				if id != h.self {
					h.rt.Add(PeerInfo{NodeID: id})
				}
			}
			h.timer.Notify(m.ID)
			return nil
		}
		closest := h.rt.GetClosest(m.DestinationID, h.cfg.ClosestNodesSize, nil, false, false)
		data := make([]byte, 0, len(closest)*IDLength)
		for _, p := range closest {
			data = append(data, p.NodeID[:]...)
		}
		return &Message{
			Type: MsgFindNodes, Request: false, Direct: true,
			SourceID: h.self, DestinationID: m.SourceID,
			HopsToLive: 1, Replication: 1, ID: m.ID, Data: data,
		}
	default:
		return nil
	}
}

// sendDirect transmits m to peer without further routing decisions,
// retrying on SendFailure and falling back to closest-peer routing once
// retries and a fatal failure are exhausted.
func (h *Handler) sendDirect(peer Identifier, m *Message) {
	h.sendWithRetry(peer, m, nil, 0)
}

// connTarget picks the transport-level handle for a non-routing entry:
// its own ConnectionID when the peer registered one (multiple logical
// connections under the same node id), otherwise its node id.
func connTarget(p PeerInfo) Identifier {
	if !p.ConnectionID.IsZero() {
		return p.ConnectionID
	}
	return p.NodeID
}

// forwardToClosest implements RecursiveSend (§4.6): select the RT peer
// closest to the destination, excluding the immediate previous hop and any
// id already in excludeIDs, push route history, and send with retry.
func (h *Handler) forwardToClosest(m *Message, excludeIDs []Identifier) {
	exclude := append([]Identifier(nil), excludeIDs...)
	if prev, ok := m.LastHop(); ok {
		exclude = append(exclude, prev)
	}

	candidates := h.rt.GetClosest(routingTarget(m), 1, exclude, !m.Direct, true)
	if len(candidates) == 0 {
		h.onRoutingExhausted(m)
		return
	}
	next := candidates[0]

	m.PushRouteHistory(h.self, h.cfg.MaxRouteHistory)
	h.sendWithRetry(next.NodeID, m, exclude, 0)
}

// onRoutingExhausted implements the RoutingExhausted error kind (§7): it
// logs the drop and cancels any pending Timer entry for m.ID. No reply is
// delivered to the originator, and that entry's timeout callback does not
// run.
func (h *Handler) onRoutingExhausted(m *Message) {
	h.logger.Printf("overlay: routing exhausted for destination %s", m.DestinationID.ShortHex())
	h.timer.Notify(m.ID)
}

// sendWithRetry is the RecursiveSend retry loop: on SendFailure it sends
// again after RETRY_DELAY until RETRY_LIMIT attempts in total have failed,
// then removes the connection and re-selects; SendFatalFailure removes immediately and
// re-selects once.
func (h *Handler) sendWithRetry(peer Identifier, m *Message, excludeIDs []Identifier, attempt int) {
	payload := m.Encode()
	h.network.Send(peer, payload, func(result SendResult) {
		switch result {
		case SendSuccess:
			h.cfg.CacheHook.OnForwarded(m, peer)
		case SendFailure:
			if attempt+1 < RetryLimit {
				time.AfterFunc(RetryDelay, func() {
					h.sendWithRetry(peer, m, excludeIDs, attempt+1)
				})
				return
			}
			h.dropAndReselect(peer, m, excludeIDs)
		case SendFatalFailure:
			h.dropAndReselect(peer, m, excludeIDs)
		}
	})
}

func (h *Handler) dropAndReselect(peer Identifier, m *Message, excludeIDs []Identifier) {
	h.network.Remove(peer)
	h.rt.Remove(peer)
	h.matrix.Drop(peer)
	h.forwardToClosest(m, append(excludeIDs, peer))
}
