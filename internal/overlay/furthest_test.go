package overlay

import "testing"

func TestFurthestNodeHandleRemoveRequestAcceptsWhenSenderInRT(t *testing.T) {
	self := idWithByte0(0x00)
	rt := NewRoutingTable(self, 64, 4)
	gm := NewGroupMatrix(rt)
	net := &fakeNetwork{}
	timer := NewTimer()
	fnp := NewFurthestNodeProtocol(self, rt, gm, net, timer)

	proposer := idWithByte0(0x01)
	rt.Add(PeerInfo{NodeID: proposer})

	resp := fnp.HandleRemoveRequest(&Message{SourceID: proposer, ID: 7})
	if resp.Data[0] != 1 {
		t.Fatal("request from a peer still in RT should be accepted")
	}
	if _, ok := rt.Get(proposer); ok {
		t.Fatal("accepting an eviction should remove the peer from RT")
	}
}

func TestFurthestNodeHandleRemoveRequestRejectsWhenSenderUnknown(t *testing.T) {
	self := idWithByte0(0x00)
	rt := NewRoutingTable(self, 64, 4)
	gm := NewGroupMatrix(rt)
	net := &fakeNetwork{}
	timer := NewTimer()
	fnp := NewFurthestNodeProtocol(self, rt, gm, net, timer)

	resp := fnp.HandleRemoveRequest(&Message{SourceID: idWithByte0(0x99), ID: 7})
	if resp.Data[0] != 0 {
		t.Fatal("a request from a peer not in RT should be rejected")
	}
}

func TestFurthestNodeHandleRemoveResponseEvictsOnAccept(t *testing.T) {
	self := idWithByte0(0x00)
	rt := NewRoutingTable(self, 64, 4)
	gm := NewGroupMatrix(rt)
	net := &fakeNetwork{}
	timer := NewTimer()
	fnp := NewFurthestNodeProtocol(self, rt, gm, net, timer)

	candidate := idWithByte0(0x01)
	rt.Add(PeerInfo{NodeID: candidate})
	timer.Register(7, 0, func() {})

	fnp.HandleRemoveResponse(&Message{SourceID: candidate, ID: 7, Data: []byte{1}})
	if _, ok := rt.Get(candidate); ok {
		t.Fatal("an accepted removal response should evict the candidate")
	}
}

func TestFurthestNodeCooldownAppliedAfterEviction(t *testing.T) {
	self := idWithByte0(0x00)
	rt := NewRoutingTable(self, 64, 4)
	gm := NewGroupMatrix(rt)
	net := &fakeNetwork{}
	timer := NewTimer()
	fnp := NewFurthestNodeProtocol(self, rt, gm, net, timer)

	peer := idWithByte0(0x01)
	rt.Add(PeerInfo{NodeID: peer})
	fnp.HandleRemoveResponse(&Message{SourceID: peer, ID: 1, Data: []byte{1}})

	accepted, _ := rt.Add(PeerInfo{NodeID: peer})
	if accepted {
		t.Fatal("an evicted peer should be blocked by the re-admission cool-down")
	}
}
