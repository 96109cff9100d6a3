package overlay

import "sync"

// NonRoutingTable holds peers that do not participate in forwarding:
// clients and other non-forwarding connections (§4.3). Unlike the Routing
// Table it is not proximity-ordered; it is a bounded multi-map keyed by
// node id, evicted FIFO once full.
//
// A node id may own more than one entry: a peer that opens several
// logical connections (distinguished by ConnectionID) gets one PeerInfo
// per connection, all reachable under the same node id. Add treats two
// PeerInfo values with the same NodeID and the same ConnectionID as the
// same logical connection and refreshes it in place; a new ConnectionID
// under an already-known NodeID is a distinct connection and is appended
// rather than overwriting the existing one.
type NonRoutingTable struct {
	mu       sync.RWMutex
	max      int
	order    []Identifier // ConnectionID insertion order, oldest first
	connNode map[Identifier]Identifier
	byID     map[Identifier][]PeerInfo
}

// NewNonRoutingTable creates an empty table bounded at max total
// connections (summed across all node ids).
func NewNonRoutingTable(max int) *NonRoutingTable {
	return &NonRoutingTable{
		max:      max,
		connNode: make(map[Identifier]Identifier),
		byID:     make(map[Identifier][]PeerInfo),
	}
}

// Add inserts a new logical connection for peer.NodeID, or refreshes an
// existing one that shares peer.ConnectionID. If the table is full and
// this is a new connection, the oldest connection overall is evicted
// first, regardless of which node id it belongs to.
func (nrt *NonRoutingTable) Add(peer PeerInfo) {
	nrt.mu.Lock()
	defer nrt.mu.Unlock()

	// A peer registered without a ConnectionID is tracked under its NodeID,
	// so distinct peers without a connection id never share one slot.
	if peer.ConnectionID.IsZero() {
		peer.ConnectionID = peer.NodeID
	}

	conns := nrt.byID[peer.NodeID]
	for i, existing := range conns {
		if existing.ConnectionID == peer.ConnectionID {
			conns[i] = peer
			return
		}
	}

	if len(nrt.order) >= nrt.max {
		oldestConn := nrt.order[0]
		nrt.order = nrt.order[1:]
		oldestNode := nrt.connNode[oldestConn]
		delete(nrt.connNode, oldestConn)
		nrt.byID[oldestNode] = removeConn(nrt.byID[oldestNode], oldestConn)
		if len(nrt.byID[oldestNode]) == 0 {
			delete(nrt.byID, oldestNode)
		}
	}

	nrt.order = append(nrt.order, peer.ConnectionID)
	nrt.connNode[peer.ConnectionID] = peer.NodeID
	nrt.byID[peer.NodeID] = append(nrt.byID[peer.NodeID], peer)
}

func removeConn(conns []PeerInfo, connID Identifier) []PeerInfo {
	for i, p := range conns {
		if p.ConnectionID == connID {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

// Remove deletes every connection held for the given node id.
func (nrt *NonRoutingTable) Remove(id Identifier) bool {
	nrt.mu.Lock()
	defer nrt.mu.Unlock()

	conns, ok := nrt.byID[id]
	if !ok {
		return false
	}
	for _, p := range conns {
		delete(nrt.connNode, p.ConnectionID)
	}
	delete(nrt.byID, id)

	kept := nrt.order[:0]
	for _, connID := range nrt.order {
		if _, stillTracked := nrt.connNode[connID]; stillTracked {
			kept = append(kept, connID)
		}
	}
	nrt.order = kept
	return true
}

// Get returns one connection for the given node id, if any are present.
// Use GetAll to retrieve every logical connection for fan-out delivery.
func (nrt *NonRoutingTable) Get(id Identifier) (PeerInfo, bool) {
	nrt.mu.RLock()
	defer nrt.mu.RUnlock()
	conns, ok := nrt.byID[id]
	if !ok || len(conns) == 0 {
		return PeerInfo{}, false
	}
	return conns[0], true
}

// GetAll returns every logical connection held for the given node id.
// Per §3/§4.3, a direct message whose destination matches this node id is
// delivered by sending to each connection this returns.
func (nrt *NonRoutingTable) GetAll(id Identifier) ([]PeerInfo, bool) {
	nrt.mu.RLock()
	defer nrt.mu.RUnlock()
	conns, ok := nrt.byID[id]
	if !ok || len(conns) == 0 {
		return nil, false
	}
	out := make([]PeerInfo, len(conns))
	copy(out, conns)
	return out, true
}

// All returns every connection currently held, oldest-inserted first.
func (nrt *NonRoutingTable) All() []PeerInfo {
	nrt.mu.RLock()
	defer nrt.mu.RUnlock()
	out := make([]PeerInfo, 0, len(nrt.order))
	for _, connID := range nrt.order {
		nodeID := nrt.connNode[connID]
		for _, p := range nrt.byID[nodeID] {
			if p.ConnectionID == connID {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Size returns the total number of connections currently held, summed
// across all node ids.
func (nrt *NonRoutingTable) Size() int {
	nrt.mu.RLock()
	defer nrt.mu.RUnlock()
	return len(nrt.order)
}
