package mapworker

import (
	"errors"
	"sync"
	"time"
)

// authTTL is how long an authorize token stays claimable. The client
// normally arrives within a second of the redirect; 30s covers slow
// links without keeping dead tokens around.
const authTTL = 30 * time.Second

var (
	errNoAuth      = errors.New("no auth token for character")
	errAuthExpired = errors.New("auth token expired")
	errAuthAddress = errors.New("auth token bound to another address")
)

// AuthEntry is one pending authorization from the directory: the
// character the client will present and the address it must come from.
type AuthEntry struct {
	Name     string
	CharID   uint32
	ClientIP [4]byte
	Expires  time.Time
}

// authStore holds pending authorizations keyed by character name.
// Tokens are single-use; a successful claim removes the entry.
type authStore struct {
	mu      sync.Mutex
	entries map[string]AuthEntry
	ttl     time.Duration
}

func newAuthStore(ttl time.Duration) *authStore {
	return &authStore{
		entries: make(map[string]AuthEntry),
		ttl:     ttl,
	}
}

// Add inserts or refreshes the token for a character. A relogin race
// overwrites the stale token with the fresh authorization.
func (a *authStore) Add(name string, charID uint32, ip [4]byte) {
	a.mu.Lock()
	a.entries[name] = AuthEntry{
		Name:     name,
		CharID:   charID,
		ClientIP: ip,
		Expires:  time.Now().Add(a.ttl),
	}
	a.mu.Unlock()
}

// Claim consumes the token for a connecting client. The token must
// exist, be fresh, and be bound to the client's source address.
func (a *authStore) Claim(name string, ip [4]byte) (AuthEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[name]
	if !ok {
		return AuthEntry{}, errNoAuth
	}
	if time.Now().After(entry.Expires) {
		delete(a.entries, name)
		return AuthEntry{}, errAuthExpired
	}
	if entry.ClientIP != ip {
		return AuthEntry{}, errAuthAddress
	}
	delete(a.entries, name)
	return entry, nil
}

// Sweep drops expired tokens and reports how many went.
func (a *authStore) Sweep() int {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for name, entry := range a.entries {
		if now.After(entry.Expires) {
			delete(a.entries, name)
			n++
		}
	}
	return n
}

func (a *authStore) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
