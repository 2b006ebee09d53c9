package protect

import (
	"net"
	"testing"
	"time"
)

func TestWireIPByteOrder(t *testing.T) {
	if got := WireIP(net.IPv4(1, 2, 3, 4)); got != 0x04030201 {
		t.Fatalf("WireIP = %08X, want 04030201", got)
	}
	if got := WireIP(net.ParseIP("::1")); got != 0 {
		t.Fatalf("WireIP of non-IPv4 = %08X, want 0", got)
	}
}

func TestLockoutLifecycle(t *testing.T) {
	g := NewDDoSGuard(0, 0)
	base := time.Now()
	now := base
	g.now = func() time.Time { return now }

	ip := wire(10, 0, 0, 7)
	if g.IsLocked(ip) {
		t.Fatalf("fresh guard should not report a lockout")
	}

	g.AddLockout(ip)
	if !g.IsLocked(ip) {
		t.Fatalf("lockout should be active immediately after AddLockout")
	}

	now = base.Add(DDoSAutoReset - time.Second)
	if !g.IsLocked(ip) {
		t.Fatalf("lockout should still hold inside the auto-reset window")
	}

	now = base.Add(DDoSAutoReset + time.Second)
	if g.IsLocked(ip) {
		t.Fatalf("lockout should expire past the auto-reset window")
	}
	if remaining := g.Prune(); remaining != 0 {
		t.Fatalf("Prune left %d entries, want 0", remaining)
	}
}

func TestPruneKeepsFreshEntries(t *testing.T) {
	g := NewDDoSGuard(0, 0)
	base := time.Now()
	now := base
	g.now = func() time.Time { return now }

	g.AddLockout(wire(10, 0, 0, 1))
	now = base.Add(time.Minute)
	g.AddLockout(wire(10, 0, 0, 2))

	now = base.Add(DDoSAutoReset + time.Second)
	if remaining := g.Prune(); remaining != 1 {
		t.Fatalf("Prune left %d entries, want 1", remaining)
	}
	if g.IsLocked(wire(10, 0, 0, 1)) {
		t.Fatalf("aged lockout should be gone")
	}
	if !g.IsLocked(wire(10, 0, 0, 2)) {
		t.Fatalf("younger lockout should survive the prune")
	}
}
