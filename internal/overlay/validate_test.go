package overlay

import "testing"

func TestValidateRejectsZeroHops(t *testing.T) {
	m := &Message{SourceID: idWithByte0(1), Replication: 1, HopsToLive: 0}
	if err := m.Validate(DefaultGroupSize, DefaultMaxRouteHistory); err != ErrHopsExceeded {
		t.Fatalf("expected ErrHopsExceeded, got %v", err)
	}
}

func TestValidateRejectsZeroSourceUnlessRelay(t *testing.T) {
	m := &Message{Replication: 1, HopsToLive: 1}
	if err := m.Validate(DefaultGroupSize, DefaultMaxRouteHistory); err != ErrMalformedMessage {
		t.Fatalf("expected ErrMalformedMessage for empty source, got %v", err)
	}

	relay := idWithByte0(0xAA)
	m.RelayID = &relay
	m.RelayConnectionID = &relay
	if err := m.Validate(DefaultGroupSize, DefaultMaxRouteHistory); err != nil {
		t.Fatalf("a relay request with empty source should validate, got %v", err)
	}
}

func TestValidateRejectsBadReplication(t *testing.T) {
	base := &Message{SourceID: idWithByte0(1), HopsToLive: 1}

	base.Replication = 0
	if err := base.Validate(DefaultGroupSize, DefaultMaxRouteHistory); err != ErrMalformedMessage {
		t.Fatalf("replication 0 should be malformed, got %v", err)
	}

	base.Replication = DefaultGroupSize + 1
	if err := base.Validate(DefaultGroupSize, DefaultMaxRouteHistory); err != ErrMalformedMessage {
		t.Fatalf("replication above group size should be malformed, got %v", err)
	}

	base.Replication = DefaultGroupSize
	if err := base.Validate(DefaultGroupSize, DefaultMaxRouteHistory); err != nil {
		t.Fatalf("replication equal to group size should validate, got %v", err)
	}
}
