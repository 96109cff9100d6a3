package overlay

import "errors"

// The error taxonomy of spec.md §7, modeled as sentinel values in the
// donor's filestorage.go style (ErrShardNotFound, ErrManifestNotFound).
var (
	// ErrRoutingExhausted names the case where forwarding needs a next hop
	// but the routing table has none. The Handler logs and drops such a
	// message; no function in this package returns this value.
	ErrRoutingExhausted = errors.New("overlay: routing table exhausted")

	// ErrMalformedMessage marks a structural parse failure, unknown message
	// type, invalid replication count, or invalid identifier. Callers drop
	// silently; this value exists for tests and internal bookkeeping.
	ErrMalformedMessage = errors.New("overlay: malformed message")

	// ErrHopsExceeded marks a message whose hops_to_live reached zero.
	ErrHopsExceeded = errors.New("overlay: hops to live exceeded")

	// ErrSelfConsistency names a peer's closest-set claim that conflicts
	// with provable local knowledge. No check in this package produces it:
	// GroupMatrix.Update stores any list reported by a peer in the RT.
	ErrSelfConsistency = errors.New("overlay: self-consistency check failed")

	// ErrShutdown names the Shutdown error kind. After Stop, Dispatch drops
	// every frame silently; no function in this package returns this value.
	ErrShutdown = errors.New("overlay: node is shut down")
)
