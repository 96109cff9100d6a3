package overlay

import "sync"

// GroupChangeHandler is the subscribe/publish mechanism of §4.9: it tracks
// which peers want to hear about changes to this node's closest-peer set,
// and feeds inbound closest-updates from peers into the Group Matrix.
//
// Concurrency: all handler state is guarded by a single mutex (M2 in the
// §5 lock-order model), held for the minimum span; network sends happen
// after the lock is released.
type GroupChangeHandler struct {
	mu          sync.Mutex
	subscribers []Identifier // ordered set
	closestIDs  map[Identifier]bool

	rt          *RoutingTable
	matrix      *GroupMatrix
	network     NetworkAdaptor
	closestSize int
}

// NewGroupChangeHandler creates a handler bound to rt and matrix, pushing
// closest-update RPCs over network. It registers itself as rt's
// closest-set-changed callback.
func NewGroupChangeHandler(rt *RoutingTable, matrix *GroupMatrix, network NetworkAdaptor, closestSize int) *GroupChangeHandler {
	h := &GroupChangeHandler{
		closestIDs:  make(map[Identifier]bool),
		rt:          rt,
		matrix:      matrix,
		network:     network,
		closestSize: closestSize,
	}
	rt.OnClosestSetChanged(h.onRTClosestChanged)
	return h
}

// onRTClosestChanged is invoked by the Routing Table whenever its closest
// set changes. It pushes the fresh list to current subscribers and
// reconciles subscription membership against the new ring.
func (h *GroupChangeHandler) onRTClosestChanged(newClosest []PeerInfo) {
	h.SendClosestNodesUpdateRPCs(newClosest)
	h.reconcileSubscriptions(newClosest)
}

// SendClosestNodesUpdateRPCs pushes newClosest to every current subscriber
// (§4.9, invoked by RT whenever the closest set changes).
func (h *GroupChangeHandler) SendClosestNodesUpdateRPCs(newClosest []PeerInfo) {
	h.mu.Lock()
	targets := append([]Identifier(nil), h.subscribers...)
	h.mu.Unlock()

	list := make([]Identifier, len(newClosest))
	for i, p := range newClosest {
		list[i] = p.NodeID
	}

	for _, target := range targets {
		h.pushClosestUpdate(target, MsgClosestUpdate, list, true)
	}
}

// reconcileSubscriptions subscribes peers that newly entered the closest
// ring and unsubscribes peers that fell out of it.
func (h *GroupChangeHandler) reconcileSubscriptions(newClosest []PeerInfo) {
	fresh := make(map[Identifier]bool, len(newClosest))
	for _, p := range newClosest {
		fresh[p.NodeID] = true
	}

	h.mu.Lock()
	var entered, left []Identifier
	for id := range fresh {
		if !h.closestIDs[id] {
			entered = append(entered, id)
		}
	}
	for id := range h.closestIDs {
		if !fresh[id] {
			left = append(left, id)
		}
	}
	h.closestIDs = fresh
	h.mu.Unlock()

	for _, id := range entered {
		h.Subscribe(id)
	}
	for _, id := range left {
		h.Unsubscribe(id)
	}
}

// Subscribe adds peer to the subscriber set if it is in RT and the local
// closest set already holds CLOSEST entries, then pushes it an initial
// closest-update.
func (h *GroupChangeHandler) Subscribe(peer Identifier) {
	if _, inRT := h.rt.Get(peer); !inRT {
		return
	}

	closest := h.rt.GetClosest(h.rt.Self(), h.closestSize, nil, false, false)
	h.mu.Lock()
	if len(closest) < h.closestSize {
		h.mu.Unlock()
		return
	}
	for _, existing := range h.subscribers {
		if existing == peer {
			h.mu.Unlock()
			return
		}
	}
	h.subscribers = append(h.subscribers, peer)
	h.mu.Unlock()

	list := make([]Identifier, len(closest))
	for i, p := range closest {
		list[i] = p.NodeID
	}
	h.pushClosestUpdate(peer, MsgClosestSubscribe, list, true)
}

// Unsubscribe removes peer from the subscriber set and pushes a single
// unsubscribe RPC so the peer stops mirroring.
func (h *GroupChangeHandler) Unsubscribe(peer Identifier) {
	h.mu.Lock()
	removed := false
	for i, existing := range h.subscribers {
		if existing == peer {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			removed = true
			break
		}
	}
	h.mu.Unlock()

	if removed {
		h.pushClosestUpdate(peer, MsgClosestSubscribe, nil, false)
	}
}

// OnClosestNodesUpdate processes an inbound closest-update from a peer:
// refresh the Group Matrix and re-evaluate subscriptions.
func (h *GroupChangeHandler) OnClosestNodesUpdate(from Identifier, list []Identifier) {
	h.matrix.Update(from, list)
	h.reconcileSubscriptions(h.rt.GetClosest(h.rt.Self(), h.closestSize, nil, false, false))
}

// pushClosestUpdate encodes and sends msgType carrying list, with subscribe
// indicating whether this is a subscribe/refresh (true) or an unsubscribe
// notice (false). The payload is a one-byte subscribe flag followed by the
// concatenated raw identifiers of list.
func (h *GroupChangeHandler) pushClosestUpdate(peer Identifier, msgType MessageType, list []Identifier, subscribe bool) {
	data := make([]byte, 0, 1+len(list)*IDLength)
	data = append(data, encodeSubscribeFlag(subscribe)...)
	for _, id := range list {
		data = append(data, id[:]...)
	}

	m := &Message{
		Type:          msgType,
		Request:       true,
		Direct:        true,
		SourceID:      h.rt.Self(),
		DestinationID: peer,
		HopsToLive:    1,
		Replication:   1,
		Data:          data,
	}
	h.network.Send(peer, m.Encode(), func(SendResult) {})
}

func encodeSubscribeFlag(subscribe bool) []byte {
	if subscribe {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeClosestUpdatePayload parses the Data payload of a closest-subscribe
// message produced by pushClosestUpdate.
func DecodeClosestUpdatePayload(data []byte) (subscribe bool, list []Identifier, err error) {
	if len(data) < 1 {
		return false, nil, ErrMalformedMessage
	}
	subscribe = data[0] != 0
	rest := data[1:]
	if len(rest)%IDLength != 0 {
		return false, nil, ErrMalformedMessage
	}
	for i := 0; i < len(rest); i += IDLength {
		var id Identifier
		copy(id[:], rest[i:i+IDLength])
		list = append(list, id)
	}
	return subscribe, list, nil
}
