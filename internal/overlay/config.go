package overlay

import "time"

// Constants from §3: the fixed sizes the rest of the package assumes unless
// a Config overrides them.
const (
	DefaultMaxRT          = 64
	DefaultClosest        = 4
	DefaultGroupSize      = 4
	DefaultMaxRouteHistory = 8
	DefaultHopsToLive     = 12
	DefaultMaxNRT         = 64

	RetryLimit = 3
	RetryDelay = 50 * time.Millisecond

	// FurthestNodeCooldown is the re-admission cool-down after a furthest-node
	// removal (§4.7), preventing the two peers from flapping.
	FurthestNodeCooldown = 30 * time.Second

	// DefaultLargeMessageSize resolves the `(2^10)*256` ambiguity noted in
	// spec.md §9 Open Questions as 256 KiB.
	DefaultLargeMessageSize = 256 * 1024
)

// Config holds the recognized configuration options of spec.md §6.
type Config struct {
	ClosestNodesSize   int  // CLOSEST: size of a peer's reported closest set
	GroupSize          int  // G: group replication factor
	MaxRoutingTableSize int // MAX_RT
	MaxRouteHistory    int  // MAX_ROUTE_HISTORY
	HopsToLive         uint16
	Caching            bool // enables the CacheHook
	ClientMode         bool

	// CacheHook is invoked by the Message Handler on local delivery and on
	// forward decisions when Caching is enabled. Nil is valid and treated
	// as NoopCacheHook.
	CacheHook CacheHook
}

// DefaultConfig returns a Config populated with the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		ClosestNodesSize:    DefaultClosest,
		GroupSize:           DefaultGroupSize,
		MaxRoutingTableSize: DefaultMaxRT,
		MaxRouteHistory:     DefaultMaxRouteHistory,
		HopsToLive:          DefaultHopsToLive,
		Caching:             true,
		ClientMode:          false,
	}
}

// normalize fills in zero-valued fields with their defaults, the same
// defaulting idiom the donor's dht.Config constructor uses. With Caching
// off, CacheHook is replaced by NoopCacheHook.
func (c Config) normalize() Config {
	if c.ClosestNodesSize == 0 {
		c.ClosestNodesSize = DefaultClosest
	}
	if c.GroupSize == 0 {
		c.GroupSize = DefaultGroupSize
	}
	if c.MaxRoutingTableSize == 0 {
		c.MaxRoutingTableSize = DefaultMaxRT
	}
	if c.MaxRouteHistory == 0 {
		c.MaxRouteHistory = DefaultMaxRouteHistory
	}
	if c.HopsToLive == 0 {
		c.HopsToLive = DefaultHopsToLive
	}
	if c.CacheHook == nil || !c.Caching {
		c.CacheHook = NoopCacheHook{}
	}
	return c
}

// CacheHook is the external cache-manager hook named by the "caching"
// configuration option (§6). The core has no value store of its own; this
// hook exists purely so an external cache manager can observe dispatch
// decisions it may want to act on.
type CacheHook interface {
	OnDelivered(m *Message)
	OnForwarded(m *Message, next Identifier)
}

// NoopCacheHook is the default CacheHook: it does nothing.
type NoopCacheHook struct{}

func (NoopCacheHook) OnDelivered(*Message)             {}
func (NoopCacheHook) OnForwarded(*Message, Identifier) {}
