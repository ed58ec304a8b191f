// Package throttle runs an action at most once per interval and key. It is
// used to keep repeated warnings from flooding the log.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle keeps one limiter per key.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]*rate.Sometimes
}

func New() *Throttle {
	return &Throttle{entries: make(map[string]*rate.Sometimes)}
}

// Every runs f unless it already ran for key within interval. The interval
// of a key is fixed by its first call.
func (t *Throttle) Every(key string, interval time.Duration, f func()) {
	t.mu.Lock()
	s, ok := t.entries[key]
	if !ok {
		s = &rate.Sometimes{Interval: interval}
		t.entries[key] = s
	}
	t.mu.Unlock()

	s.Do(f)
}
