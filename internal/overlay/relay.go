package overlay

// handleRelayRequest implements §4.8. When the destination is not yet
// reachable through this node, it stands in: substituting its own id as
// source and forwarding on, so the return path can find its way back via
// relay_id. When the destination is this node itself, the relay is purely
// informational (the originator has no routable address); the message is
// delivered locally with relay_id intact for the reply path.
func (h *Handler) handleRelayRequest(m *Message, from Identifier) {
	if m.DestinationID == h.self {
		h.deliverLocally(m, from)
		return
	}
	relayID := *m.RelayID
	m.SourceID = h.self
	m.RelayID = &relayID
	h.forwardToClosest(m, nil)
}

// routingTarget returns the identifier next-hop selection should route
// toward: destination_id normally, or relay_id when destination_id has
// been cleared on a relay response (§4.8).
func routingTarget(m *Message) Identifier {
	if m.DestinationID.IsZero() && m.RelayID != nil {
		return *m.RelayID
	}
	return m.DestinationID
}
