package overlay

import (
	"sync"
	"time"
)

// peerLimiterRate and peerLimiterWindow bound how often a single peer may
// push frames through Dispatch, mirroring the donor's per-connection
// limiter in its websocket mesh layer (internal/mesh/ws.go's
// ratelimit.New(60, time.Minute) call on connection setup).
const (
	peerLimiterRate   = 200
	peerLimiterWindow = time.Second
)

// frameWindow is a fixed-window rate limiter for one sending peer's frames.
type frameWindow struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

func newFrameWindow(rate int, window time.Duration) *frameWindow {
	return &frameWindow{rate: rate, window: window, windowStart: time.Now()}
}

// allow reports whether another frame fits in the current window, rolling
// over to a fresh window once the current one has elapsed.
func (w *frameWindow) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if now.Sub(w.windowStart) > w.window {
		w.count = 0
		w.windowStart = now
	}
	w.count++
	return w.count <= w.rate
}

// peerLimiter hands out one frameWindow per sending peer, created lazily on
// first contact.
type peerLimiter struct {
	mu       sync.Mutex
	limiters map[Identifier]*frameWindow
}

func newPeerLimiter() *peerLimiter {
	return &peerLimiter{limiters: make(map[Identifier]*frameWindow)}
}

// Allow reports whether a frame from peer may proceed to decoding.
func (p *peerLimiter) Allow(peer Identifier) bool {
	p.mu.Lock()
	l, ok := p.limiters[peer]
	if !ok {
		l = newFrameWindow(peerLimiterRate, peerLimiterWindow)
		p.limiters[peer] = l
	}
	p.mu.Unlock()
	return l.allow()
}
