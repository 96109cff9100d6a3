package overlay

// Validate applies §4.6 step 1's structural checks against the locally
// configured group size and route history bound. It does not decrement
// hops_to_live; the caller does that once validation passes.
func (m *Message) Validate(groupSize int, maxRouteHistory int) error {
	if m.HopsToLive == 0 {
		return ErrHopsExceeded
	}
	if m.SourceID.IsZero() && !m.isRelayRequest() {
		return ErrMalformedMessage
	}
	if m.Replication == 0 || int(m.Replication) > groupSize {
		return ErrMalformedMessage
	}
	if len(m.RouteHistory) > maxRouteHistory {
		return ErrMalformedMessage
	}
	return nil
}

// isRelayRequest reports whether m qualifies as a relay request under
// §4.8: empty source id, carrying relay_id and relay_connection_id.
func (m *Message) isRelayRequest() bool {
	return m.SourceID.IsZero() && m.RelayID != nil && m.RelayConnectionID != nil
}
