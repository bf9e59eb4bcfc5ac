package limiter

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type attempts struct {
	fails        int
	windowStart  time.Time
	blockedUntil time.Time
}

// Memory is an in-process Limiter. Entries expire on their own once both the
// window and any block have passed.
type Memory struct {
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, attempts]
	policy Policy
	now    func() time.Time
}

// NewMemory builds a Memory limiter and starts its expiry loop; call Stop when done.
func NewMemory(p Policy) *Memory {
	ttl := p.Window
	if p.BlockFor > ttl {
		ttl = p.BlockFor
	}
	c := ttlcache.New[string, attempts](
		ttlcache.WithTTL[string, attempts](ttl),
		ttlcache.WithDisableTouchOnHit[string, attempts](),
	)
	go c.Start()
	return &Memory{cache: c, policy: p, now: time.Now}
}

// Stop ends the expiry loop.
func (m *Memory) Stop() { m.cache.Stop() }

func key(username string, ipHash []byte) string {
	return username + "|" + hex.EncodeToString(ipHash)
}

// Allow reports whether the pair is currently unblocked.
func (m *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.cache.Get(key(username, ipHash))
	if it == nil {
		return true, 0, nil
	}
	if now := m.now(); it.Value().blockedUntil.After(now) {
		return false, it.Value().blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the pair.
func (m *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(key(username, ipHash))
	return nil
}

// Failure counts a failed attempt and blocks the pair at the threshold.
func (m *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(username, ipHash)
	now := m.now()

	var a attempts
	if it := m.cache.Get(k); it != nil {
		a = it.Value()
	}
	if a.fails == 0 || now.Sub(a.windowStart) > m.policy.Window {
		a = attempts{windowStart: now}
	}
	a.fails++
	blocked := a.fails >= m.policy.MaxFails
	if blocked {
		a.blockedUntil = now.Add(m.policy.BlockFor)
	}
	m.cache.Set(k, a, ttlcache.DefaultTTL)
	if blocked {
		return true, m.policy.BlockFor, nil
	}
	return false, 0, nil
}
