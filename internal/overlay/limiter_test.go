package overlay

import (
	"testing"
	"time"
)

func TestFrameWindow_AllowsUpToRate(t *testing.T) {
	w := newFrameWindow(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !w.allow() {
			t.Fatalf("frame %d should be allowed", i+1)
		}
	}
	if w.allow() {
		t.Fatal("6th frame should be denied")
	}
}

func TestFrameWindow_ResetsAfterWindow(t *testing.T) {
	w := newFrameWindow(2, 50*time.Millisecond)
	w.allow()
	w.allow()
	if w.allow() {
		t.Fatal("3rd frame should be denied")
	}
	time.Sleep(60 * time.Millisecond)
	if !w.allow() {
		t.Fatal("frame after window reset should be allowed")
	}
}

func TestPeerLimiter_TracksPerPeer(t *testing.T) {
	p := newPeerLimiter()
	var a, b Identifier
	a[0] = 1
	b[0] = 2

	for i := 0; i < peerLimiterRate; i++ {
		if !p.Allow(a) {
			t.Fatalf("peer a frame %d should be allowed", i+1)
		}
	}
	if p.Allow(a) {
		t.Fatal("peer a should be throttled after exhausting its window")
	}
	if !p.Allow(b) {
		t.Fatal("peer b should have its own independent window")
	}
}
