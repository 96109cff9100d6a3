package overlay

import (
	"math/rand"
	"time"
)

// FurthestNodeProtocol implements §4.7: when the Routing Table suggests an
// eviction, the proposer asks the target to confirm before either side
// drops the connection, and a 30s cool-down stops the two from flapping.
type FurthestNodeProtocol struct {
	self    Identifier
	rt      *RoutingTable
	matrix  *GroupMatrix
	network NetworkAdaptor
	timer   *Timer
}

// NewFurthestNodeProtocol binds the protocol to its collaborators.
func NewFurthestNodeProtocol(self Identifier, rt *RoutingTable, matrix *GroupMatrix, network NetworkAdaptor, timer *Timer) *FurthestNodeProtocol {
	return &FurthestNodeProtocol{self: self, rt: rt, matrix: matrix, network: network, timer: timer}
}

// Propose asks candidate to confirm its own eviction. The request carries
// no attestation payload, only its type, source, destination and id.
// candidate is a peer Add() returned as toRemove; nothing in this package
// calls Propose, and it does not itself mutate the Routing Table.
func (f *FurthestNodeProtocol) Propose(candidate Identifier) {
	reqID := rand.Uint32()
	m := &Message{
		Type:        MsgRemove,
		Request:     true,
		Direct:      true,
		SourceID:    f.self,
		DestinationID: candidate,
		HopsToLive:  1,
		Replication: 1,
		ID:          reqID,
	}

	f.timer.Register(reqID, 2*time.Second, func() {
		// No response within the window: leave the candidate in place and
		// let a later Add() attempt retry.
	})

	f.network.Send(candidate, m.Encode(), func(result SendResult) {
		if result != SendSuccess {
			f.timer.Notify(reqID)
		}
	})
}

// HandleRemoveRequest is run by the node named as the eviction candidate
// (F in §4.7). It accepts only if the proposer is still present in F's own
// RT, matching the spec's "F validates... accepts only if the sender is
// still in F's RT" rule.
func (f *FurthestNodeProtocol) HandleRemoveRequest(m *Message) *Message {
	_, stillPresent := f.rt.Get(m.SourceID)

	accept := byte(0)
	if stillPresent {
		accept = 1
		f.evict(m.SourceID)
	}

	return &Message{
		Type:          MsgAck,
		Request:       false,
		Direct:        true,
		SourceID:      f.self,
		DestinationID: m.SourceID,
		HopsToLive:    1,
		Replication:   1,
		ID:            m.ID,
		Data:          []byte{accept},
	}
}

// HandleRemoveResponse completes the proposer's side once F confirms.
func (f *FurthestNodeProtocol) HandleRemoveResponse(m *Message) {
	f.timer.Notify(m.ID)
	if len(m.Data) == 0 || m.Data[0] == 0 {
		return
	}
	f.evict(m.SourceID)
}

// evict drops peer from RT and the Group Matrix, tears down its
// connection, and arms the re-admission cool-down.
func (f *FurthestNodeProtocol) evict(peer Identifier) {
	f.rt.Remove(peer)
	f.matrix.Drop(peer)
	f.network.Remove(peer)
	f.rt.SetCooldown(peer, time.Now().Add(FurthestNodeCooldown))
}
