// ratelimit.go throttles outbound dials per target.
//
// Two limits apply to each host:port:
//
//  1. Sliding window: at most 10 dial attempts per minute.
//  2. Failure block: after 5 consecutive failed establishments the target is
//     blocked for a cooldown starting at 30s, doubling each time, capped at
//     5 minutes. A successful establishment clears the block.
//
// State is in-memory only. Targets are chosen by clients, so idle entries
// are swept at most once per window.
package bridge

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshbridge/internal/logutil"
)

const (
	rateLimitWindow           = 1 * time.Minute
	rateLimitMaxAttempts      = 10
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

// ErrRateLimited is returned when a dial is rejected by the limiter.
type ErrRateLimited struct {
	Target     string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("too many attempts to %s: %s (retry after %s)",
		e.Target, e.Reason, e.RetryAfter.Round(time.Second))
}

type targetRateState struct {
	attempts []time.Time

	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
}

// RateLimiter enforces dial limits per target address.
type RateLimiter struct {
	mu        sync.Mutex
	states    map[string]*targetRateState
	lastSweep time.Time

	nowFunc func() time.Time
}

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		states:  make(map[string]*targetRateState),
		nowFunc: time.Now,
	}
}

// Caller must hold rl.mu.
func (rl *RateLimiter) getOrCreate(target string) *targetRateState {
	state, ok := rl.states[target]
	if !ok {
		state = &targetRateState{}
		rl.states[target] = state
	}
	return state
}

// sweepLocked drops targets with no attempt in the window whose last block
// ended more than rateLimitMaxBlock ago. Caller must hold rl.mu.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rateLimitWindow {
		return
	}
	rl.lastSweep = now
	cutoff := now.Add(-rateLimitWindow)
	for target, state := range rl.states {
		if now.Before(state.blockedUntil.Add(rateLimitMaxBlock)) {
			continue
		}
		if n := len(state.attempts); n > 0 && state.attempts[n-1].After(cutoff) {
			continue
		}
		delete(rl.states, target)
	}
}

// Allow records a dial attempt to target, or returns *ErrRateLimited.
// A nil limiter allows everything.
func (rl *RateLimiter) Allow(target string) error {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	rl.sweepLocked(now)
	state := rl.getOrCreate(target)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		retryAfter := state.blockedUntil.Sub(now)
		log.Printf("[bridge] rate limit: %s blocked for %s after %d consecutive failures",
			logutil.SanitizeForLog(target), retryAfter.Round(time.Second), state.consecutiveFailures)
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: retryAfter,
		}
	}

	cutoff := now.Add(-rateLimitWindow)
	recent := state.attempts[:0]
	for _, t := range state.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	state.attempts = recent

	if len(state.attempts) >= rateLimitMaxAttempts {
		retryAfter := state.attempts[0].Add(rateLimitWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		log.Printf("[bridge] rate limit: %s exceeded %d attempts in %s",
			logutil.SanitizeForLog(target), rateLimitMaxAttempts, rateLimitWindow)
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", rateLimitMaxAttempts, rateLimitWindow),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = append(state.attempts, now)
	return nil
}

// RecordSuccess clears the failure count and block for target.
func (rl *RateLimiter) RecordSuccess(target string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[target]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

// RecordFailure counts a failed establishment and blocks the target once
// the threshold is reached.
func (rl *RateLimiter) RecordFailure(target string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(target)
	state.consecutiveFailures++

	if state.consecutiveFailures >= rateLimitFailureThreshold {
		if state.blockDuration == 0 {
			state.blockDuration = rateLimitInitialBlock
		} else {
			state.blockDuration *= 2
			if state.blockDuration > rateLimitMaxBlock {
				state.blockDuration = rateLimitMaxBlock
			}
		}
		state.blockedUntil = now.Add(state.blockDuration)
		log.Printf("[bridge] rate limit: %s blocked for %s after %d consecutive failures",
			logutil.SanitizeForLog(target), state.blockDuration, state.consecutiveFailures)
	}
}

// Len returns the number of targets the limiter holds state for.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.states)
}

// GetState returns the limiter state for target. Used in tests and for
// debugging.
func (rl *RateLimiter) GetState(target string) (consecutiveFailures int, blockedUntil time.Time, attemptsInWindow int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[target]
	if !ok {
		return 0, time.Time{}, 0
	}
	cutoff := rl.nowFunc().Add(-rateLimitWindow)
	for _, t := range state.attempts {
		if t.After(cutoff) {
			attemptsInWindow++
		}
	}
	return state.consecutiveFailures, state.blockedUntil, attemptsInWindow
}
