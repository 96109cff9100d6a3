package overlay

import (
	"context"
	"testing"
)

// fakeNetwork is an in-memory NetworkAdaptor double that records sent
// messages instead of touching a real transport.
type fakeNetwork struct {
	sent []fakeSend
}

type fakeSend struct {
	peer Identifier
	data []byte
}

func (f *fakeNetwork) Bootstrap(ctx context.Context, endpoints []string, isVault bool, self Identifier) (Identifier, bool) {
	return Identifier{}, false
}
func (f *fakeNetwork) GetAvailableEndpoint(peer Identifier) (EndpointPair, EndpointPair, NATType) {
	return EndpointPair{}, EndpointPair{}, NATUnknown
}
func (f *fakeNetwork) Add(peer Identifier, endpoint EndpointPair, validationData []byte) error { return nil }
func (f *fakeNetwork) MarkValid(peer Identifier, endpoint EndpointPair) error                  { return nil }
func (f *fakeNetwork) Remove(peer Identifier)                                                  {}
func (f *fakeNetwork) Send(peer Identifier, data []byte, onComplete func(SendResult)) {
	f.sent = append(f.sent, fakeSend{peer: peer, data: data})
	onComplete(SendSuccess)
}
func (f *fakeNetwork) OnRecv(func([]byte, Identifier)) {}
func (f *fakeNetwork) OnLost(func(Identifier))         {}
func (f *fakeNetwork) Close() error                    { return nil }

func TestGroupChangeSubscribeRequiresFullClosestSet(t *testing.T) {
	self := idWithByte0(0x00)
	rt := NewRoutingTable(self, 64, 2)
	gm := NewGroupMatrix(rt)
	net := &fakeNetwork{}
	h := NewGroupChangeHandler(rt, gm, net, 2)

	peer := idWithByte0(0x01)
	rt.Add(PeerInfo{NodeID: peer})
	// closest size is 2 but we only have 1 peer; subscribe should no-op.
	h.Subscribe(peer)
	if len(net.sent) != 0 {
		t.Fatal("subscribe should not push until the local closest set is full")
	}
}

func TestGroupChangeSubscribeUnsubscribeRoundTrip(t *testing.T) {
	self := idWithByte0(0x00)
	rt := NewRoutingTable(self, 64, 1)
	gm := NewGroupMatrix(rt)
	net := &fakeNetwork{}
	NewGroupChangeHandler(rt, gm, net, 1)

	peer := idWithByte0(0x01)
	rt.Add(PeerInfo{NodeID: peer}) // triggers onRTClosestChanged -> auto subscribe

	foundSubscribe := false
	for _, s := range net.sent {
		if s.peer == peer {
			sub, _, err := DecodeClosestUpdatePayload(mustExtractData(t, s.data))
			if err != nil {
				t.Fatalf("DecodeClosestUpdatePayload: %v", err)
			}
			if sub {
				foundSubscribe = true
			}
		}
	}
	if !foundSubscribe {
		t.Fatal("expected an initial subscribe push when peer entered the closest ring")
	}

	net.sent = nil
	rt.Remove(peer)
	foundUnsubscribe := false
	for _, s := range net.sent {
		if s.peer == peer {
			sub, _, err := DecodeClosestUpdatePayload(mustExtractData(t, s.data))
			if err != nil {
				t.Fatalf("DecodeClosestUpdatePayload: %v", err)
			}
			if !sub {
				foundUnsubscribe = true
			}
		}
	}
	if !foundUnsubscribe {
		t.Fatal("expected an unsubscribe push when peer left the closest ring")
	}
}

func mustExtractData(t *testing.T, wire []byte) []byte {
	t.Helper()
	m, err := DecodeMessage(wire)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return m.Data
}
