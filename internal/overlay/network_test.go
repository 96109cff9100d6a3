package overlay

import (
	"testing"
	"time"
)

func TestWebsocketAdaptorSendAndReceive(t *testing.T) {
	serverID := idWithByte0(0x01)
	clientID := idWithByte0(0x02)

	server := NewWebsocketAdaptor(serverID)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()

	received := make(chan []byte, 1)
	server.OnRecv(func(data []byte, from Identifier) {
		received <- data
	})

	client := NewWebsocketAdaptor(clientID)
	defer client.Close()

	if err := client.Add(serverID, EndpointPair{Remote: server.Addr()}, []byte("validation")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	msg := &Message{
		Type:        MsgPing,
		Request:     true,
		SourceID:    clientID,
		HopsToLive:  DefaultHopsToLive,
		Replication: 1,
	}
	payload := msg.Encode()

	result := make(chan SendResult, 1)
	client.Send(serverID, payload, func(r SendResult) { result <- r })

	select {
	case r := <-result:
		if r != SendSuccess {
			t.Fatalf("expected SendSuccess, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send result")
	}

	select {
	case got := <-received:
		decoded, err := DecodeMessage(got)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		if decoded.SourceID != clientID {
			t.Fatal("server should have received the client's message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive the message")
	}
}

func TestWebsocketAdaptorSendToUnknownPeerIsFatal(t *testing.T) {
	a := NewWebsocketAdaptor(idWithByte0(0x01))
	defer a.Close()

	result := make(chan SendResult, 1)
	a.Send(idWithByte0(0x99), []byte("x"), func(r SendResult) { result <- r })

	select {
	case r := <-result:
		if r != SendFatalFailure {
			t.Fatalf("expected SendFatalFailure for an unknown peer, got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send result")
	}
}
