package protect

import "testing"

func TestThrottleSweep(t *testing.T) {
	th := NewThrottle()
	ip := wire(192, 168, 0, 5)

	if th.IsThrottled(ip) {
		t.Fatalf("empty throttle should not block")
	}

	for i := 0; i < 3; i++ {
		th.Add(ip)
	}
	if !th.IsThrottled(ip) {
		t.Fatalf("counted IP should be throttled")
	}
	if th.IsThrottled(wire(192, 168, 0, 6)) {
		t.Fatalf("uncounted IP should pass")
	}

	th.Reset()
	if th.IsThrottled(ip) {
		t.Fatalf("reset should clear every count")
	}
}
