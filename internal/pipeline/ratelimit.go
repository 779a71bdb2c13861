package pipeline

import (
	"sync"
	"time"
)

// RateLimiter enforces a fixed-window submission budget per player. The
// window restarts when the first submission after expiry arrives, so an idle
// player never accumulates burst credit.
type RateLimiter struct {
	mu      sync.Mutex
	budget  int
	window  time.Duration
	now     func() time.Time
	players map[int]*rateWindow
}

type rateWindow struct {
	start time.Time
	used  int
}

// NewRateLimiter constructs a limiter. A nil now falls back to time.Now.
func NewRateLimiter(budget int, window time.Duration, now func() time.Time) *RateLimiter {
	if budget < 1 {
		budget = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		budget:  budget,
		window:  window,
		now:     now,
		players: make(map[int]*rateWindow),
	}
}

// Allow consumes one unit of the player's budget. Submissions count whether
// or not later layers accept them; bounding pipeline work is the point.
func (l *RateLimiter) Allow(player int) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.players[player]
	if !ok || now.Sub(state.start) >= l.window {
		state = &rateWindow{start: now}
		l.players[player] = state
	}
	if state.used >= l.budget {
		return false
	}
	state.used++
	return true
}

// Remaining reports the player's unused budget in the current window.
func (l *RateLimiter) Remaining(player int) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.players[player]
	if !ok || l.now().Sub(state.start) >= l.window {
		return l.budget
	}
	remaining := l.budget - state.used
	if remaining < 0 {
		return 0
	}
	return remaining
}
