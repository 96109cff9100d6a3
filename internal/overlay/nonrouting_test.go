package overlay

import "testing"

func TestNonRoutingTableFIFOEviction(t *testing.T) {
	nrt := NewNonRoutingTable(3)
	ids := []Identifier{idWithByte0(1), idWithByte0(2), idWithByte0(3), idWithByte0(4)}
	for _, id := range ids {
		nrt.Add(PeerInfo{NodeID: id})
	}
	if got := nrt.Size(); got != 3 {
		t.Fatalf("expected bounded size 3, got %d", got)
	}
	if _, ok := nrt.Get(ids[0]); ok {
		t.Fatal("oldest entry should have been evicted first")
	}
	if _, ok := nrt.Get(ids[3]); !ok {
		t.Fatal("most recently added entry should still be present")
	}
}

func TestNonRoutingTableRefreshDoesNotEvict(t *testing.T) {
	nrt := NewNonRoutingTable(2)
	a, b := idWithByte0(1), idWithByte0(2)
	nrt.Add(PeerInfo{NodeID: a, Rank: 1})
	nrt.Add(PeerInfo{NodeID: b})
	nrt.Add(PeerInfo{NodeID: a, Rank: 2})

	if got := nrt.Size(); got != 2 {
		t.Fatalf("refreshing an existing entry must not grow the table, got %d", got)
	}
	p, ok := nrt.Get(a)
	if !ok || p.Rank != 2 {
		t.Fatal("refresh should update the stored record")
	}
}

func TestNonRoutingTableRemove(t *testing.T) {
	nrt := NewNonRoutingTable(4)
	id := idWithByte0(1)
	nrt.Add(PeerInfo{NodeID: id})
	if !nrt.Remove(id) {
		t.Fatal("remove should report success for an existing entry")
	}
	if nrt.Remove(id) {
		t.Fatal("remove should report failure for an already-removed entry")
	}
}

func TestNonRoutingTableMultipleConnectionsPerNodeID(t *testing.T) {
	nrt := NewNonRoutingTable(4)
	node := idWithByte0(1)
	connA, connB := idWithByte0(0xA1), idWithByte0(0xA2)

	nrt.Add(PeerInfo{NodeID: node, ConnectionID: connA})
	nrt.Add(PeerInfo{NodeID: node, ConnectionID: connB})

	if got := nrt.Size(); got != 2 {
		t.Fatalf("a second logical connection under the same node id must not overwrite the first, got size %d", got)
	}

	conns, ok := nrt.GetAll(node)
	if !ok || len(conns) != 2 {
		t.Fatalf("expected both connections for node id, got %v", conns)
	}

	seen := map[Identifier]bool{}
	for _, c := range conns {
		seen[c.ConnectionID] = true
	}
	if !seen[connA] || !seen[connB] {
		t.Fatal("GetAll should return every logical connection for the node id")
	}
}

func TestNonRoutingTableAddSameConnectionRefreshesInPlace(t *testing.T) {
	nrt := NewNonRoutingTable(4)
	node := idWithByte0(1)
	conn := idWithByte0(0xA1)

	nrt.Add(PeerInfo{NodeID: node, ConnectionID: conn, Rank: 1})
	nrt.Add(PeerInfo{NodeID: node, ConnectionID: conn, Rank: 2})

	if got := nrt.Size(); got != 1 {
		t.Fatalf("re-adding the same connection should refresh, not duplicate, got size %d", got)
	}
	conns, _ := nrt.GetAll(node)
	if len(conns) != 1 || conns[0].Rank != 2 {
		t.Fatalf("expected refreshed record with Rank 2, got %v", conns)
	}
}

func TestNonRoutingTableRemoveDropsAllConnectionsForNode(t *testing.T) {
	nrt := NewNonRoutingTable(4)
	node := idWithByte0(1)
	nrt.Add(PeerInfo{NodeID: node, ConnectionID: idWithByte0(0xA1)})
	nrt.Add(PeerInfo{NodeID: node, ConnectionID: idWithByte0(0xA2)})

	if !nrt.Remove(node) {
		t.Fatal("remove should report success when the node id has connections")
	}
	if _, ok := nrt.GetAll(node); ok {
		t.Fatal("remove should drop every connection for the node id")
	}
	if got := nrt.Size(); got != 0 {
		t.Fatalf("expected empty table after remove, got size %d", got)
	}
}
