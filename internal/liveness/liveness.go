// Package liveness holds the two deadline trackers a session polls from its
// loop: the heartbeat watchdog that declares the remote peer gone, and the
// turn timer that forfeits an unresponsive active player. Both latch after
// firing so the session reports each failure exactly once.
package liveness

import (
	"sync"
	"time"
)

// Watchdog tracks heartbeat arrivals and fires once the silence exceeds the
// timeout.
type Watchdog struct {
	mu      sync.Mutex
	last    time.Time
	lastRTT time.Duration
	timeout time.Duration
	fired   bool
}

// NewWatchdog starts the silence clock at now.
func NewWatchdog(timeout time.Duration, now time.Time) *Watchdog {
	return &Watchdog{timeout: timeout, last: now}
}

// Beat records a heartbeat. ClientSent carries the sender's wall clock in
// unix milliseconds and yields a best-effort RTT estimate; clocks that
// disagree wildly are ignored.
func (w *Watchdog) Beat(receivedAt time.Time, clientSent int64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.last = receivedAt

	if clientSent > 0 {
		clientTime := time.UnixMilli(clientSent)
		if clientTime.Before(receivedAt.Add(5 * time.Second)) {
			rtt := receivedAt.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
			w.lastRTT = rtt
		}
	}
	return w.lastRTT
}

// Check reports the current silence and whether the watchdog fires now. It
// returns true exactly once; later calls keep reporting the silence but stay
// quiet.
func (w *Watchdog) Check(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	silence := now.Sub(w.last)
	if w.fired {
		return silence, false
	}
	if silence > w.timeout {
		w.fired = true
		return silence, true
	}
	return silence, false
}

// Silence reports the time since the last heartbeat.
func (w *Watchdog) Silence(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.last)
}

// LastRTT reports the most recent round-trip estimate.
func (w *Watchdog) LastRTT() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRTT
}

// Timeout reports the configured silence limit.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// TurnTimer bounds how long the active player may sit on their turn. The
// session restarts it on every executed action by the active player and on
// turn changes.
type TurnTimer struct {
	mu       sync.Mutex
	duration time.Duration
	deadline time.Time
	running  bool
}

// NewTurnTimer constructs a stopped timer.
func NewTurnTimer(duration time.Duration) *TurnTimer {
	return &TurnTimer{duration: duration}
}

// Reset starts or restarts the window at now.
func (t *TurnTimer) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = now.Add(t.duration)
	t.running = true
}

// Stop halts the timer without firing.
func (t *TurnTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
}

// Expired reports whether the window closed. It returns true exactly once
// per Reset.
func (t *TurnTimer) Expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	if now.Before(t.deadline) {
		return false
	}
	t.running = false
	return true
}

// Remaining reports the time left in the window, zero when stopped or
// elapsed.
func (t *TurnTimer) Remaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0
	}
	remaining := t.deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Running reports whether the timer is armed.
func (t *TurnTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
