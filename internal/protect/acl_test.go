package protect

import (
	"net"
	"testing"
)

func wire(a, b, c, d byte) uint32 {
	return WireIP(net.IPv4(a, b, c, d))
}

func TestParseRuleAll(t *testing.T) {
	r, err := ParseRule("all")
	if err != nil {
		t.Fatalf("ParseRule(all): %v", err)
	}
	if r.IP != 0 || r.Mask != 0 {
		t.Fatalf("ParseRule(all) = %+v, want zero rule", r)
	}
	if !r.Matches(0xDEADBEEF) {
		t.Fatalf("all rule should match everything")
	}
}

func TestParseRuleExactHost(t *testing.T) {
	r, err := ParseRule("192.168.1.1")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	want := uint32(192) | 168<<8 | 1<<16 | 1<<24
	if r.IP != want {
		t.Fatalf("rule ip = %08X, want %08X", r.IP, want)
	}
	if r.Mask != 0xFFFFFFFF {
		t.Fatalf("rule mask = %08X, want FFFFFFFF", r.Mask)
	}
	if !r.Matches(want) {
		t.Fatalf("exact rule should match its own address")
	}
	if r.Matches(want ^ 1) {
		t.Fatalf("exact rule should not match a different address")
	}
}

func TestParseRuleCIDR(t *testing.T) {
	r, err := ParseRule("192.168.1.0/24")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if !r.Matches(wire(192, 168, 1, 42)) {
		t.Fatalf("/24 rule should ignore the final octet")
	}
	if r.Matches(wire(192, 168, 2, 42)) {
		t.Fatalf("/24 rule should reject a different third octet")
	}
}

func TestParseRuleDottedMask(t *testing.T) {
	r, err := ParseRule("10.0.0.0/255.0.0.0")
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if !r.Matches(wire(10, 99, 1, 2)) {
		t.Fatalf("dotted mask should match inside the /8")
	}
	if r.Matches(wire(11, 0, 0, 0)) {
		t.Fatalf("dotted mask should reject outside the /8")
	}
}

func TestParseRuleInvalid(t *testing.T) {
	for _, s := range []string{"", "999.0.0.1", "1.2.3.4/33", "not-an-ip", "1.2.3", "1.2.3.4/x"} {
		if _, err := ParseRule(s); err == nil {
			t.Fatalf("ParseRule(%q) should fail", s)
		}
	}
}

func TestAccessListOrders(t *testing.T) {
	allow := []Rule{mustRule(t, "10.0.0.0/8")}
	deny := []Rule{mustRule(t, "10.1.0.0/16")}

	inBoth := wire(10, 1, 2, 3)
	allowOnly := wire(10, 2, 0, 1)
	neither := wire(172, 16, 0, 1)

	cases := []struct {
		order         Order
		inBoth        bool
		allowOnly     bool
		neitherListed bool
	}{
		{DenyAllow, false, true, true},
		{AllowDeny, true, true, true},
		{MutualFailure, false, true, false},
	}
	for _, tc := range cases {
		l := &AccessList{Allow: allow, Deny: deny, Order: tc.order}
		if got := l.Allowed(inBoth); got != tc.inBoth {
			t.Fatalf("order %d: Allowed(inBoth) = %v, want %v", tc.order, got, tc.inBoth)
		}
		if got := l.Allowed(allowOnly); got != tc.allowOnly {
			t.Fatalf("order %d: Allowed(allowOnly) = %v, want %v", tc.order, got, tc.allowOnly)
		}
		if got := l.Allowed(neither); got != tc.neitherListed {
			t.Fatalf("order %d: Allowed(neither) = %v, want %v", tc.order, got, tc.neitherListed)
		}
	}
}

func TestNilAccessListAdmits(t *testing.T) {
	var l *AccessList
	if !l.Allowed(wire(1, 2, 3, 4)) {
		t.Fatalf("nil access list should admit everyone")
	}
}

func TestParseOrder(t *testing.T) {
	if o, err := ParseOrder(""); err != nil || o != DenyAllow {
		t.Fatalf("ParseOrder(\"\") = %v, %v", o, err)
	}
	if o, err := ParseOrder("mutual-failure"); err != nil || o != MutualFailure {
		t.Fatalf("ParseOrder(mutual-failure) = %v, %v", o, err)
	}
	if _, err := ParseOrder("bogus"); err == nil {
		t.Fatalf("ParseOrder(bogus) should fail")
	}
}

func mustRule(t *testing.T, s string) Rule {
	t.Helper()
	r, err := ParseRule(s)
	if err != nil {
		t.Fatalf("ParseRule(%q): %v", s, err)
	}
	return r
}
