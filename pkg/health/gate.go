// Package health tracks whether the data channels the supervisor depends on
// are still delivering messages.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTimeout is how long a channel may stay silent and still count as receiving.
const DefaultTimeout = 2 * time.Second

// Gate records the last arrival per tracked channel.
type Gate struct {
	mu      sync.RWMutex
	clk     clock.Clock
	timeout time.Duration
	last    map[string]time.Time
}

// NewGate returns a gate. A nil clock uses the wall clock and a non-positive
// timeout uses DefaultTimeout.
func NewGate(clk clock.Clock, timeout time.Duration) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		clk:     clk,
		timeout: timeout,
		last:    make(map[string]time.Time),
	}
}

// Track starts watching channel. A tracked channel that has never ticked is
// not receiving.
func (g *Gate) Track(channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.last[channel]; !ok {
		g.last[channel] = time.Time{}
	}
}

// Tick records a message on channel. Ticks on untracked channels are dropped.
func (g *Gate) Tick(channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.last[channel]; ok {
		g.last[channel] = g.clk.Now()
	}
}

// IsReceiving reports whether channel ticked within the timeout.
func (g *Gate) IsReceiving(channel string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.receiving(channel)
}

func (g *Gate) receiving(channel string) bool {
	t, ok := g.last[channel]
	if !ok || t.IsZero() {
		return false
	}
	return g.clk.Since(t) <= g.timeout
}

// AllReceiving reports whether every tracked channel is receiving. It is true
// when nothing is tracked.
func (g *Gate) AllReceiving() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for ch := range g.last {
		if !g.receiving(ch) {
			return false
		}
	}
	return true
}

// Silent returns the tracked channels that are not receiving, sorted.
func (g *Gate) Silent() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for ch := range g.last {
		if !g.receiving(ch) {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Reset forgets every tracked channel.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.last = make(map[string]time.Time)
}
