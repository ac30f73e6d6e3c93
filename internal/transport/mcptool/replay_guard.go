package mcptool

import (
	"sync"
	"time"
)

const replayGuardCap = 65536

// replayGuard remembers accepted (agent, signature) pairs for ttl so a
// captured command request cannot be sent twice.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastPrune time.Time
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 2 * clockSkew
	}
	return &replayGuard{seen: map[string]time.Time{}, ttl: ttl}
}

func (g *replayGuard) allow(agent, signature string, now time.Time) bool {
	if g == nil || signature == "" {
		return true
	}
	key := agent + "|" + signature

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.seen) > 4096 || now.Sub(g.lastPrune) > g.ttl/2 {
		for k, exp := range g.seen {
			if !exp.After(now) {
				delete(g.seen, k)
			}
		}
		g.lastPrune = now
	}
	if exp, ok := g.seen[key]; ok && exp.After(now) {
		return false
	}
	if len(g.seen) >= replayGuardCap {
		g.seen = map[string]time.Time{}
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}

func (g *replayGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
