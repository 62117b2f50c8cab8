package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow counts requests per key over a trailing window. A key is
// typically "tenant:routeFamily".
type SlidingWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	arrived map[string][]time.Time
	now     func() time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		arrived: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an arrival and reports whether it fits the window. When
// denied, retryAfter is the wait until the oldest counted arrival slides
// out.
func (s *SlidingWindow) Allow(key string) (allowed bool, retryAfter time.Duration) {
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	arrivals := s.arrived[key]
	live := arrivals[:0]
	for _, t := range arrivals {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= s.limit {
		s.arrived[key] = live
		return false, live[0].Sub(cutoff)
	}

	s.arrived[key] = append(live, now)
	return true, 0
}
