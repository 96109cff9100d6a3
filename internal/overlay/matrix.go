package overlay

import (
	"sort"
	"sync"
	"time"
)

// matrixEntry is one peer's self-reported closest set, with the time it was
// last refreshed (§4.4 "per-peer freshness timestamp").
type matrixEntry struct {
	list      []Identifier
	updatedAt time.Time
}

// GroupMatrix tracks, for every peer in the Routing Table, that peer's own
// view of its closest set. It answers group-membership and group-leadership
// questions over the union of the local RT and every matrix entry (§4.4).
type GroupMatrix struct {
	mu      sync.RWMutex
	entries map[Identifier]matrixEntry
	rt      *RoutingTable
}

// NewGroupMatrix creates an empty matrix bound to rt. rt is consulted for
// the RT-membership invariant (matrix entries exist only for peers in RT)
// and as the fallback source for is_this_node_group_leader.
func NewGroupMatrix(rt *RoutingTable) *GroupMatrix {
	return &GroupMatrix{
		entries: make(map[Identifier]matrixEntry),
		rt:      rt,
	}
}

// Update replaces the matrix entry for peer with list, per a closest-update
// received from that peer. The peer must currently be in the Routing Table;
// updates from peers outside RT are ignored (§4.4 invariant).
func (gm *GroupMatrix) Update(peer Identifier, list []Identifier) {
	if _, inRT := gm.rt.Get(peer); !inRT {
		return
	}
	gm.mu.Lock()
	gm.entries[peer] = matrixEntry{list: append([]Identifier(nil), list...), updatedAt: time.Now()}
	gm.mu.Unlock()
}

// Drop removes a peer's matrix entry, called when the peer leaves RT.
func (gm *GroupMatrix) Drop(peer Identifier) {
	gm.mu.Lock()
	delete(gm.entries, peer)
	gm.mu.Unlock()
}

// Get returns the stored closest set for peer, if any.
func (gm *GroupMatrix) Get(peer Identifier) ([]Identifier, bool) {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	e, ok := gm.entries[peer]
	if !ok {
		return nil, false
	}
	return append([]Identifier(nil), e.list...), true
}

// unionLocked returns the unique-id set U = {self} ∪ RT ids ∪ ⋃ matrix[·].
func (gm *GroupMatrix) unionLocked() []Identifier {
	seen := map[Identifier]bool{gm.rt.Self(): true}
	out := []Identifier{gm.rt.Self()}

	for _, p := range gm.rt.All() {
		if !seen[p.NodeID] {
			seen[p.NodeID] = true
			out = append(out, p.NodeID)
		}
	}
	for _, e := range gm.entries {
		for _, id := range e.list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// IsInGroup reports whether self is among the groupSize smallest-XOR ids in
// U with respect to target T.
func (gm *GroupMatrix) IsInGroup(target Identifier, groupSize int) bool {
	gm.mu.RLock()
	u := gm.unionLocked()
	gm.mu.RUnlock()

	sort.Slice(u, func(i, j int) bool {
		return CloserTo(target, u[i], u[j])
	})
	if len(u) > groupSize {
		u = u[:groupSize]
	}
	self := gm.rt.Self()
	for _, id := range u {
		if id == self {
			return true
		}
	}
	return false
}

// IsThisNodeGroupLeader reports whether self is strictly the closest
// identifier to target across U = {self} ∪ RT ∪ matrix entries. When it is
// not, it returns the RT peer closest to target as the forward target
// (§4.4: "it returns the peer in RT, not matrix-only, that is closest to
// target").
func (gm *GroupMatrix) IsThisNodeGroupLeader(target Identifier) (leader bool, forwardTo PeerInfo) {
	gm.mu.RLock()
	u := gm.unionLocked()
	gm.mu.RUnlock()

	self := gm.rt.Self()
	strictlyClosest := true
	for _, id := range u {
		if id == self {
			continue
		}
		if !CloserTo(target, self, id) {
			strictlyClosest = false
			break
		}
	}
	if strictlyClosest {
		return true, PeerInfo{}
	}

	closest := gm.rt.GetClosest(target, 1, nil, false, false)
	if len(closest) == 0 {
		return false, PeerInfo{}
	}
	return false, closest[0]
}
