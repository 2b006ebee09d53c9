package protect

import (
	"math/bits"
	"sync"

	"github.com/rs/zerolog"

	"github.com/seolan-project/seolan/internal/util"
)

// Throttle counts connection attempts per IP between periodic resets. Any
// positive count blocks further connections until the next reset, so it is
// fed only by offending connections, not by every accept.
type Throttle struct {
	mu     sync.Mutex
	counts map[uint32]uint32
	logger zerolog.Logger
}

// NewThrottle creates an empty throttle.
func NewThrottle() *Throttle {
	return &Throttle{
		counts: make(map[uint32]uint32),
		logger: util.ComponentLogger("throttle"),
	}
}

// Add records a connection attempt from an IP (wire byte order).
func (t *Throttle) Add(ipNet uint32) {
	ip := bits.ReverseBytes32(ipNet)
	t.mu.Lock()
	t.counts[ip]++
	count := t.counts[ip]
	t.mu.Unlock()
	t.logger.Debug().Str("ip", dotted(ip)).Uint32("count", count).Msg("throttle add")
}

// IsThrottled reports whether the IP has a positive count.
func (t *Throttle) IsThrottled(ipNet uint32) bool {
	ip := bits.ReverseBytes32(ipNet)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[ip] > 0
}

// Reset clears every count. Called by the session timer every ten minutes.
func (t *Throttle) Reset() {
	t.mu.Lock()
	n := len(t.counts)
	t.counts = make(map[uint32]uint32)
	t.mu.Unlock()
	if n > 0 {
		t.logger.Debug().Int("cleared", n).Msg("throttle reset")
	}
}
