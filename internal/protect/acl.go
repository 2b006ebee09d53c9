// Package protect implements the protections that sit in front of the
// session layer: IP access lists, per-IP DDoS lockouts, and a connection
// throttle.
package protect

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Rule is an IPv4 address and mask pair held in the historical wire byte
// order: first octet in the low byte (a | b<<8 | c<<16 | d<<24). A zero mask
// matches every address.
type Rule struct {
	IP   uint32
	Mask uint32
}

// ParseRule parses an access-list entry.
//
// Accepted formats:
//   - "all"             matches everything
//   - "a.b.c.d"         exact host
//   - "a.b.c.d/N"       prefix length 0-32
//   - "a.b.c.d/e.f.g.h" dotted-decimal mask
func ParseRule(s string) (Rule, error) {
	if s == "all" {
		return Rule{}, nil
	}

	if addr, maskPart, found := strings.Cut(s, "/"); found {
		ip, err := parseIPv4(addr)
		if err != nil {
			return Rule{}, err
		}
		if strings.Contains(maskPart, ".") {
			mask, err := parseIPv4(maskPart)
			if err != nil {
				return Rule{}, err
			}
			return Rule{IP: ip, Mask: mask}, nil
		}
		n, err := strconv.ParseUint(maskPart, 10, 32)
		if err != nil || n > 32 {
			return Rule{}, fmt.Errorf("invalid prefix length %q", maskPart)
		}
		return Rule{IP: ip, Mask: prefixMask(uint(n))}, nil
	}

	ip, err := parseIPv4(s)
	if err != nil {
		return Rule{}, err
	}
	return Rule{IP: ip, Mask: 0xFFFFFFFF}, nil
}

// Matches reports whether ip (wire byte order) falls inside the rule.
func (r Rule) Matches(ip uint32) bool {
	return r.Mask == 0 || ip&r.Mask == r.IP&r.Mask
}

func parseIPv4(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	var ip uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid IPv4 address %q", s)
		}
		ip |= uint32(v) << (8 * i)
	}
	return ip, nil
}

// prefixMask converts a prefix length to a mask in wire byte order. The
// historical code built the mask big-endian and then byteswapped it, as
// ntohl does on a little-endian host.
func prefixMask(n uint) uint32 {
	if n == 0 {
		return 0
	}
	be := uint32(0xFFFFFFFF) << (32 - n)
	return bits.ReverseBytes32(be)
}

// Order selects how the allow and deny lists combine into a decision.
type Order int

const (
	// DenyAllow refuses only addresses on the deny list.
	DenyAllow Order = iota
	// AllowDeny admits allow-list matches before consulting the deny list.
	AllowDeny
	// MutualFailure admits only addresses that are allowed and not denied.
	MutualFailure
)

// ParseOrder maps a config spelling to an Order. The empty string selects
// DenyAllow.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "deny,allow":
		return DenyAllow, nil
	case "allow,deny":
		return AllowDeny, nil
	case "mutual-failure":
		return MutualFailure, nil
	}
	return 0, fmt.Errorf("unknown acl order %q", s)
}

// AccessList is a parsed allow/deny rule set. A nil list admits everyone.
type AccessList struct {
	Allow []Rule
	Deny  []Rule
	Order Order
}

// ParseAccessList builds an AccessList from config strings.
func ParseAccessList(allow, deny []string, order string) (*AccessList, error) {
	ord, err := ParseOrder(order)
	if err != nil {
		return nil, err
	}
	list := &AccessList{Order: ord}
	for _, s := range allow {
		r, err := ParseRule(s)
		if err != nil {
			return nil, fmt.Errorf("allow entry: %w", err)
		}
		list.Allow = append(list.Allow, r)
	}
	for _, s := range deny {
		r, err := ParseRule(s)
		if err != nil {
			return nil, fmt.Errorf("deny entry: %w", err)
		}
		list.Deny = append(list.Deny, r)
	}
	return list, nil
}

// Allowed decides whether a peer address (wire byte order) may connect.
func (l *AccessList) Allowed(ip uint32) bool {
	if l == nil {
		return true
	}
	allowed := matchAny(l.Allow, ip)
	denied := matchAny(l.Deny, ip)
	switch l.Order {
	case AllowDeny:
		if allowed {
			return true
		}
		return !denied
	case MutualFailure:
		return allowed && !denied
	default:
		return !denied
	}
}

func matchAny(rules []Rule, ip uint32) bool {
	for _, r := range rules {
		if r.Matches(ip) {
			return true
		}
	}
	return false
}
