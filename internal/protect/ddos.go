package protect

import (
	"math/bits"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/seolan-project/seolan/internal/util"
)

// Default maintenance intervals for the connect history.
const (
	// DDoSInterval ages out unlocked entries at three times this value.
	DDoSInterval = 3 * time.Second

	// DDoSAutoReset clears lockouts after this long.
	DDoSAutoReset = 10 * time.Minute
)

type connectEntry struct {
	tick   time.Time
	locked bool
}

// DDoSGuard tracks per-IP lockouts. Addresses are passed in wire byte order
// and keyed internally in host byte order, matching the historical maps.
type DDoSGuard struct {
	mu        sync.Mutex
	entries   map[uint32]connectEntry
	interval  time.Duration
	autoReset time.Duration
	logger    zerolog.Logger

	now func() time.Time
}

// NewDDoSGuard creates a guard. Non-positive durations select the defaults.
func NewDDoSGuard(interval, autoReset time.Duration) *DDoSGuard {
	if interval <= 0 {
		interval = DDoSInterval
	}
	if autoReset <= 0 {
		autoReset = DDoSAutoReset
	}
	return &DDoSGuard{
		entries:   make(map[uint32]connectEntry),
		interval:  interval,
		autoReset: autoReset,
		logger:    util.ComponentLogger("ddos"),
		now:       time.Now,
	}
}

// AddLockout marks an IP as locked out.
func (g *DDoSGuard) AddLockout(ipNet uint32) {
	ip := bits.ReverseBytes32(ipNet)
	g.mu.Lock()
	g.entries[ip] = connectEntry{tick: g.now(), locked: true}
	g.mu.Unlock()
	g.logger.Info().Str("ip", dotted(ip)).Msg("lockout added")
}

// IsLocked reports whether the IP holds a lockout younger than the
// auto-reset window.
func (g *DDoSGuard) IsLocked(ipNet uint32) bool {
	ip := bits.ReverseBytes32(ipNet)
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[ip]
	return ok && e.locked && g.now().Sub(e.tick) <= g.autoReset
}

// Prune evicts stale connect-history entries and returns the number that
// remain. Locked entries outlive the auto-reset window; unlocked ones age
// out after three intervals. Called by the session timer every second.
func (g *DDoSGuard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for ip, e := range g.entries {
		age := now.Sub(e.tick)
		if e.locked {
			if age > g.autoReset {
				delete(g.entries, ip)
			}
		} else if age > 3*g.interval {
			delete(g.entries, ip)
		}
	}
	return len(g.entries)
}

// WireIP converts an IPv4 address to the wire byte order used across the
// protection and session layers.
func WireIP(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0]) | uint32(ip4[1])<<8 | uint32(ip4[2])<<16 | uint32(ip4[3])<<24
}

func dotted(hostIP uint32) string {
	b := []byte{byte(hostIP >> 24), byte(hostIP >> 16), byte(hostIP >> 8), byte(hostIP)}
	return net.IP(b).String()
}
