// Routing table for the structured overlay (§4.2).
//
// A RoutingTable holds at most MaxRT non-client peers. Unlike a classic
// Kademlia table, buckets are not individually capacity-bounded: the only
// global constraint is |RT| <= MaxRT. Buckets exist purely to answer the
// bucket-coverage question the insertion policy asks when the table is
// already full.
package overlay

import (
	"sort"
	"sync"
	"time"
)

// numBuckets is one bucket per possible common-leading-bits count, 0..512
// inclusive (512 meaning the ids are identical).
const numBuckets = IDLength*8 + 1

// NATType classifies a peer's NAT traversal posture, reported at handshake
// time by the (external) transport.
type NATType int

const (
	NATUnknown NATType = iota
	NATSymmetric
	NATOther
)

// PeerInfo describes a peer known to this node (§3).
type PeerInfo struct {
	NodeID        Identifier
	ConnectionID  Identifier
	IsClient      bool
	Rank          int32
	NATType       NATType
	DimensionList []Identifier // this peer's own reported closest set

	// LastSeen is ambient bookkeeping, not part of the wire PeerInfo record;
	// it backs bucket-refresh scheduling in the node lifecycle.
	LastSeen time.Time
}

// bucket holds every peer whose CommonLeadingBits(self, id) equals the
// bucket's index.
type bucket struct {
	peers []PeerInfo
}

// RoutingTable is the bounded, proximity-ordered peer set described by §4.2.
type RoutingTable struct {
	mu      sync.RWMutex
	self    Identifier
	maxRT   int
	closest int // CLOSEST: size of the tracked closest-set for change detection
	buckets [numBuckets]*bucket

	lastClosest []Identifier // node ids of the last-published closest set
	onChange    func(newClosest []PeerInfo)

	coolDown map[Identifier]time.Time // furthest-node-removal re-admission cool-down
}

// NewRoutingTable creates an empty routing table for the given local id.
func NewRoutingTable(self Identifier, maxRT, closestSize int) *RoutingTable {
	rt := &RoutingTable{
		self:     self,
		maxRT:    maxRT,
		closest:  closestSize,
		coolDown: make(map[Identifier]time.Time),
	}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// Self returns the local node's id.
func (rt *RoutingTable) Self() Identifier { return rt.self }

// OnClosestSetChanged registers the callback invoked whenever the set of
// CLOSEST peers nearest to self changes (§4.2 closest_set_changed, consumed
// by the Group-Change Handler, §4.9). Only one callback is supported.
func (rt *RoutingTable) OnClosestSetChanged(f func(newClosest []PeerInfo)) {
	rt.mu.Lock()
	rt.onChange = f
	rt.mu.Unlock()
}

// SetCooldown blocks a peer from re-admission until the given time, used by
// the furthest-node removal protocol (§4.7) to prevent flapping.
func (rt *RoutingTable) SetCooldown(id Identifier, until time.Time) {
	rt.mu.Lock()
	rt.coolDown[id] = until
	rt.mu.Unlock()
}

func (rt *RoutingTable) inCooldown(id Identifier) bool {
	until, ok := rt.coolDown[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(rt.coolDown, id)
		return false
	}
	return true
}

// snapshot returns a flat copy of every peer currently in the table. Caller
// must hold at least rt.mu.RLock.
func (rt *RoutingTable) snapshotLocked() []PeerInfo {
	var all []PeerInfo
	for _, b := range rt.buckets {
		all = append(all, b.peers...)
	}
	return all
}

// All returns every peer currently in the routing table.
func (rt *RoutingTable) All() []PeerInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.snapshotLocked()
}

// Size returns the number of peers currently held.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.peers)
	}
	return n
}

// bucketIndexLocked returns the bucket a peer with the given id occupies
// relative to self.
func (rt *RoutingTable) bucketIndexLocked(id Identifier) int {
	return int(CommonLeadingBits(rt.self, id))
}

// Add attempts to insert peer into the table (§4.2). It returns whether the
// peer was accepted and, when the table was already at MaxRT, the peer that
// was taken out of the table to make room for it, so the table never holds
// more than MaxRT peers. Add does not close that peer's connection.
func (rt *RoutingTable) Add(peer PeerInfo) (accepted bool, toRemove *PeerInfo) {
	if peer.NodeID == rt.self {
		return false, nil
	}

	rt.mu.Lock()
	if rt.inCooldown(peer.NodeID) {
		rt.mu.Unlock()
		return false, nil
	}

	idx := rt.bucketIndexLocked(peer.NodeID)
	b := rt.buckets[idx]

	// Existing entry: refresh in place, no size change.
	for i, p := range b.peers {
		if p.NodeID == peer.NodeID {
			peer.LastSeen = time.Now()
			b.peers[i] = peer
			rt.mu.Unlock()
			rt.maybeSignalChange()
			return true, nil
		}
	}

	size := 0
	for _, bb := range rt.buckets {
		size += len(bb.peers)
	}

	peer.LastSeen = time.Now()

	if size < rt.maxRT {
		b.peers = append(b.peers, peer)
		rt.mu.Unlock()
		rt.maybeSignalChange()
		return true, nil
	}

	// Table is full: bucket-coverage policy (§4.2).
	if len(b.peers) == 0 {
		// (a) empty bucket: accept if rebalancing from the most-populated
		// other bucket improves coverage.
		otherIdx, otherBucket := rt.mostPopulatedOtherBucketLocked(idx)
		if otherBucket == nil || len(otherBucket.peers) <= 1 {
			rt.mu.Unlock()
			return false, nil
		}
		furthest := furthestFromLocked(rt.self, otherBucket.peers)
		for i, p := range otherBucket.peers {
			if p.NodeID == furthest.NodeID {
				otherBucket.peers = append(otherBucket.peers[:i], otherBucket.peers[i+1:]...)
				break
			}
		}
		b.peers = append(b.peers, peer)
		rt.mu.Unlock()
		rt.maybeSignalChange()
		_ = otherIdx
		f := furthest
		return true, &f
	}

	// (b) non-empty bucket: accept only if strictly closer than the
	// furthest current occupant of the same bucket.
	furthestInBucket := furthestFromLocked(rt.self, b.peers)
	if !CloserTo(rt.self, peer.NodeID, furthestInBucket.NodeID) {
		rt.mu.Unlock()
		return false, nil
	}
	for i, p := range b.peers {
		if p.NodeID == furthestInBucket.NodeID {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			break
		}
	}
	b.peers = append(b.peers, peer)
	rt.mu.Unlock()
	rt.maybeSignalChange()
	f := furthestInBucket
	return true, &f
}

// mostPopulatedOtherBucket returns the index and contents of the bucket
// (other than exclude) holding the most peers. Caller must hold rt.mu.
func (rt *RoutingTable) mostPopulatedOtherBucketLocked(exclude int) (int, *bucket) {
	bestIdx := -1
	var best *bucket
	for i, b := range rt.buckets {
		if i == exclude || len(b.peers) == 0 {
			continue
		}
		if best == nil || len(b.peers) > len(best.peers) {
			best = b
			bestIdx = i
		}
	}
	return bestIdx, best
}

// furthestFromLocked returns the peer in peers with the greatest XOR
// distance from target.
func furthestFromLocked(target Identifier, peers []PeerInfo) PeerInfo {
	furthest := peers[0]
	for _, p := range peers[1:] {
		if CloserTo(target, furthest.NodeID, p.NodeID) {
			furthest = p
		}
	}
	return furthest
}

// Remove deletes a peer by node id. Its matrix entry (if any) is the Group
// Matrix's responsibility to drop (§4.4 invariant).
func (rt *RoutingTable) Remove(id Identifier) bool {
	rt.mu.Lock()
	idx := rt.bucketIndexLocked(id)
	b := rt.buckets[idx]
	removed := false
	for i, p := range b.peers {
		if p.NodeID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			removed = true
			break
		}
	}
	rt.mu.Unlock()
	if removed {
		rt.maybeSignalChange()
	}
	return removed
}

// Get returns the peer with the given node id, if present.
func (rt *RoutingTable) Get(id Identifier) (PeerInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[rt.bucketIndexLocked(id)]
	for _, p := range b.peers {
		if p.NodeID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

// GetClosest returns up to k peers from the routing table closest to
// target, applying the filters named in §4.2.
func (rt *RoutingTable) GetClosest(target Identifier, k int, excludeRouteHistory []Identifier, ignoreExactMatch, vaultOnly bool) []PeerInfo {
	all := rt.All()
	return FilterClosest(all, target, k, excludeRouteHistory, ignoreExactMatch, vaultOnly)
}

// FilterClosest sorts candidates by XOR distance to target, applies the
// route-history/exact-match/vault-only filters, and returns the first k. It
// is exported so the Message Handler can apply the same deterministic
// ordering to the union of the Routing Table and Non-Routing Table.
func FilterClosest(candidates []PeerInfo, target Identifier, k int, excludeRouteHistory []Identifier, ignoreExactMatch, vaultOnly bool) []PeerInfo {
	excluded := make(map[Identifier]bool, len(excludeRouteHistory))
	for _, id := range excludeRouteHistory {
		excluded[id] = true
	}

	out := make([]PeerInfo, 0, len(candidates))
	for _, p := range candidates {
		if ignoreExactMatch && p.NodeID == target {
			continue
		}
		if excluded[p.NodeID] {
			continue
		}
		if vaultOnly && p.IsClient {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		return CloserTo(target, out[i].NodeID, out[j].NodeID)
	})

	if len(out) > k {
		out = out[:k]
	}
	return out
}

// IsThisNodeClosestTo reports whether no peer in the routing table has a
// strictly smaller XOR distance to target than self does. When ignoreExact
// is true, a peer whose id exactly equals target is excluded from the
// comparison (used for group-addressed targets that are unlikely to be
// real node ids, §4.6 step 7).
func (rt *RoutingTable) IsThisNodeClosestTo(target Identifier, ignoreExact bool) bool {
	for _, p := range rt.All() {
		if ignoreExact && p.NodeID == target {
			continue
		}
		if CloserTo(target, p.NodeID, rt.self) {
			return false
		}
	}
	return true
}

// IsThisNodeInRange reports whether self is among the k identifiers in
// {self} ∪ RT with the smallest XOR distance to target.
func (rt *RoutingTable) IsThisNodeInRange(target Identifier, k int) bool {
	ids := []Identifier{rt.self}
	for _, p := range rt.All() {
		ids = append(ids, p.NodeID)
	}
	sort.Slice(ids, func(i, j int) bool {
		return CloserTo(target, ids[i], ids[j])
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	for _, id := range ids {
		if id == rt.self {
			return true
		}
	}
	return false
}

// maybeSignalChange recomputes the closest-CLOSEST set and, if it differs
// from the last published set, invokes the registered callback outside any
// lock (§5: network-adjacent work is never done while holding M1).
func (rt *RoutingTable) maybeSignalChange() {
	rt.mu.RLock()
	closestSize := rt.closest
	cb := rt.onChange
	all := rt.snapshotLocked()
	rt.mu.RUnlock()

	if cb == nil || closestSize <= 0 {
		return
	}

	newClosest := FilterClosest(all, rt.self, closestSize, nil, false, false)
	ids := make([]Identifier, len(newClosest))
	for i, p := range newClosest {
		ids[i] = p.NodeID
	}

	rt.mu.Lock()
	changed := !sameIDs(rt.lastClosest, ids)
	if changed {
		rt.lastClosest = ids
	}
	rt.mu.Unlock()

	if changed {
		cb(newClosest)
	}
}

func sameIDs(a, b []Identifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
