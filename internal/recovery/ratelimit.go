package recovery

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const slidingWindow = time.Hour

// WindowStore tracks error report timestamps per scope over a sliding
// window. Injectable so tests get isolated state instead of sharing a
// package-level singleton.
type WindowStore struct {
	mu       sync.Mutex
	scopes   map[string][]time.Time
	now      func() time.Time
	global   *rate.Limiter
	perScope int
}

// NewWindowStore builds a store allowing perScope reports per scope per hour
// and globalPerSecond classifications per second across all scopes.
func NewWindowStore(perScope int, globalPerSecond float64) *WindowStore {
	return &WindowStore{
		scopes:   make(map[string][]time.Time),
		now:      time.Now,
		global:   rate.NewLimiter(rate.Limit(globalPerSecond), int(globalPerSecond)+1),
		perScope: perScope,
	}
}

// Allow records one report for the scope and reports whether it is within
// both the per-scope window cap and the global cap. The Nth report within
// the window is the last one admitted; the Nth+1 is dropped.
func (s *WindowStore) Allow(scope string) (ok bool, droppedBy string) {
	s.mu.Lock()
	cutoff := s.now().Add(-slidingWindow)
	kept := s.scopes[scope][:0]
	for _, t := range s.scopes[scope] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.perScope {
		s.scopes[scope] = kept
		s.mu.Unlock()
		return false, "project"
	}
	s.scopes[scope] = append(kept, s.now())
	s.mu.Unlock()

	if !s.global.Allow() {
		return false, "global"
	}
	return true, ""
}
