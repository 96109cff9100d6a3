package overlay

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeCredential is a minimal Credential double: a fixed id and a no-op
// signer, enough to drive Node construction without pulling in Ed25519.
type fakeCredential struct {
	id Identifier
}

func (c fakeCredential) ID() Identifier                    { return c.id }
func (c fakeCredential) SignValidation(nonce []byte) []byte { return append([]byte{}, nonce...) }

// bootstrapNetwork is a fakeNetwork that also answers Bootstrap and lets a
// test observe the MsgFindNodes join request Node.Bootstrap sends.
type bootstrapNetwork struct {
	mu sync.Mutex
	fakeNetwork
	bootstrapPeer Identifier
	bootstrapOK   bool
}

func (b *bootstrapNetwork) Bootstrap(ctx context.Context, endpoints []string, isVault bool, self Identifier) (Identifier, bool) {
	return b.bootstrapPeer, b.bootstrapOK
}

func (b *bootstrapNetwork) Send(peer Identifier, data []byte, onComplete func(SendResult)) {
	b.mu.Lock()
	b.fakeNetwork.sent = append(b.fakeNetwork.sent, fakeSend{peer: peer, data: data})
	b.mu.Unlock()
	onComplete(SendSuccess)
}

func (b *bootstrapNetwork) Sent() []fakeSend {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeSend(nil), b.fakeNetwork.sent...)
}

func TestNewNodeWiresEveryCollaborator(t *testing.T) {
	self := idBytes(0x00)
	net := &bootstrapNetwork{}

	n := NewNode(NodeConfig{
		Config:     DefaultConfig(),
		Credential: fakeCredential{id: self},
		Network:    net,
	})
	if n.ID() != self {
		t.Fatalf("Node.ID() = %x, want %x", n.ID(), self)
	}
	if n.RoutingTable() == nil || n.NonRoutingTable() == nil || n.GroupMatrix() == nil || n.Handler() == nil {
		t.Fatal("NewNode should wire every collaborator")
	}
}

func TestNodeBootstrapAddsContactAndSendsJoinRequest(t *testing.T) {
	self := idBytes(0x00)
	contact := idBytes(0x01)
	net := &bootstrapNetwork{bootstrapPeer: contact, bootstrapOK: true}

	n := NewNode(NodeConfig{
		Config:     DefaultConfig(),
		Credential: fakeCredential{id: self},
		Network:    net,
	})

	if err := n.Bootstrap(context.Background(), []string{"ws://peer"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if _, ok := n.RoutingTable().Get(contact); !ok {
		t.Fatal("Bootstrap should add the discovered contact to the Routing Table")
	}

	sent := net.Sent()
	if len(sent) != 1 || sent[0].peer != contact {
		t.Fatalf("Bootstrap should send exactly one join request to the contact, got %d sends", len(sent))
	}
	m, err := DecodeMessage(sent[0].data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if m.Type != MsgFindNodes || !m.Request || m.DestinationID != self {
		t.Fatal("join request should be a MsgFindNodes request addressed to self")
	}
}

func TestNodeBootstrapReturnsErrorWhenAllEndpointsFail(t *testing.T) {
	self := idBytes(0x00)
	net := &bootstrapNetwork{bootstrapOK: false}

	n := NewNode(NodeConfig{
		Config:     DefaultConfig(),
		Credential: fakeCredential{id: self},
		Network:    net,
	})

	if err := n.Bootstrap(context.Background(), []string{"ws://dead"}); err == nil {
		t.Fatal("expected an error when every bootstrap endpoint fails")
	}
}

func TestNodeJoinResponseFeedsRoutingTable(t *testing.T) {
	self := idBytes(0x00)
	contact := idBytes(0x01)
	discovered := idBytes(0x02)
	net := &bootstrapNetwork{bootstrapPeer: contact, bootstrapOK: true}

	n := NewNode(NodeConfig{
		Config:     DefaultConfig(),
		Credential: fakeCredential{id: self},
		Network:    net,
	})
	if err := n.Bootstrap(context.Background(), []string{"ws://peer"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	sent := net.Sent()
	m, err := DecodeMessage(sent[0].data)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}

	// Simulate the contact's MsgFindNodes response arriving through the
	// Message Handler, as the Network Adaptor's OnRecv path would deliver.
	resp := &Message{
		Type: MsgFindNodes, Request: false, Direct: true,
		SourceID: contact, DestinationID: self,
		HopsToLive: DefaultHopsToLive, Replication: 1, ID: m.ID,
		Data: discovered[:],
	}
	n.Handler().Dispatch(resp.Encode(), contact)

	if _, ok := n.RoutingTable().Get(discovered); !ok {
		t.Fatal("a MsgFindNodes response should add the offered peers to the Routing Table")
	}
}

func TestNodeOnConnectionLostReconcilesAllThreeTables(t *testing.T) {
	self := idBytes(0x00)
	peer := idBytes(0x01)
	net := &bootstrapNetwork{}

	n := NewNode(NodeConfig{
		Config:     DefaultConfig(),
		Credential: fakeCredential{id: self},
		Network:    net,
	})
	n.RoutingTable().Add(PeerInfo{NodeID: peer})
	n.GroupMatrix().Update(peer, []Identifier{idBytes(0x03)})

	n.onConnectionLost(peer)

	if _, ok := n.RoutingTable().Get(peer); ok {
		t.Fatal("onConnectionLost should remove the peer from the Routing Table")
	}
	if _, ok := n.GroupMatrix().Get(peer); ok {
		t.Fatal("onConnectionLost should drop the peer's Group Matrix entry")
	}
}

func TestNodeStopIsIdempotentAndStopsHealthLoop(t *testing.T) {
	self := idBytes(0x00)
	net := &bootstrapNetwork{}

	n := NewNode(NodeConfig{
		Config:         DefaultConfig(),
		Credential:     fakeCredential{id: self},
		Network:        net,
		HealthInterval: 10 * time.Millisecond,
	})
	n.startHealthLoop()

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !n.isShutdown() {
		t.Fatal("Stop should set the shutdown flag")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestNodeDispatchIsRejectedAfterStop(t *testing.T) {
	self := idBytes(0x00)
	peer := idBytes(0x01)
	net := &bootstrapNetwork{}

	n := NewNode(NodeConfig{
		Config:     DefaultConfig(),
		Credential: fakeCredential{id: self},
		Network:    net,
	})
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	m := &Message{
		Type: MsgPing, Request: true, Direct: true,
		SourceID: peer, DestinationID: self,
		HopsToLive: DefaultHopsToLive, Replication: 1, ID: 1,
	}
	n.Handler().Dispatch(m.Encode(), peer)

	if len(net.Sent()) != 0 {
		t.Fatal("Dispatch after Stop should short-circuit without sending anything")
	}
}
