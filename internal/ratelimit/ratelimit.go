// Package ratelimit enforces rolling-window call budgets for named external
// dependencies. One Limiter instance is shared process-wide and injected
// into everything that makes outbound calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Budget configures the limit for one dependency.
type Budget struct {
	// Capacity is the maximum reservable cost inside one window.
	Capacity int
	// Window is the rolling-window duration. Usage resets when a full
	// window has elapsed since the window started.
	Window time.Duration
	// MaxConcurrent bounds in-flight requests independently of windowed
	// volume. Zero means unlimited.
	MaxConcurrent int
}

type window struct {
	budget      Budget
	used        int
	inflight    int
	windowStart time.Time
}

// Limiter tracks per-dependency usage against rolling budgets. All methods
// are safe for concurrent use; check-then-reserve is a single critical
// section so concurrent callers can never overshoot capacity.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Limiter with the given per-dependency budgets.
func New(budgets map[string]Budget, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		windows: make(map[string]*window, len(budgets)),
		now:     time.Now,
		logger:  logger,
	}
	for name, b := range budgets {
		l.windows[name] = &window{budget: b}
	}
	return l
}

// resetIfExpired rolls the window forward when a full window has elapsed.
// Caller holds l.mu.
func (w *window) resetIfExpired(now time.Time) {
	if w.windowStart.IsZero() {
		w.windowStart = now
		return
	}
	if w.budget.Window > 0 && now.Sub(w.windowStart) >= w.budget.Window {
		w.used = 0
		w.windowStart = now
	}
}

// allowedLocked reports whether cost fits the current window and an
// in-flight slot is available. Caller holds l.mu.
func (l *Limiter) allowedLocked(w *window, cost int, now time.Time) bool {
	w.resetIfExpired(now)
	if w.budget.Capacity > 0 && w.used+cost > w.budget.Capacity {
		return false
	}
	if w.budget.MaxConcurrent > 0 && w.inflight >= w.budget.MaxConcurrent {
		return false
	}
	return true
}

// CheckAllowed reports whether a call of estimatedCost against dependency
// would fit the current window. Unknown dependencies are always allowed.
// Side-effect-free apart from rolling an expired window forward.
func (l *Limiter) CheckAllowed(dependency string, estimatedCost int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[dependency]
	if !ok {
		return true
	}
	return l.allowedLocked(w, estimatedCost, l.now())
}

// TryReserve atomically checks and reserves cost plus an in-flight slot.
// Returns false, reserving nothing, when the budget cannot absorb the call.
func (l *Limiter) TryReserve(dependency string, cost int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[dependency]
	if !ok {
		return true
	}
	if !l.allowedLocked(w, cost, l.now()) {
		return false
	}
	w.used += cost
	w.inflight++
	return true
}

// Reserve unconditionally records cost against the dependency's window and
// takes an in-flight slot. Use TryReserve when the call must not overshoot.
func (l *Limiter) Reserve(dependency string, cost int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[dependency]
	if !ok {
		return
	}
	w.resetIfExpired(l.now())
	w.used += cost
	w.inflight++
}

// Release returns an in-flight slot after a call finishes. Windowed usage
// is not refunded; the volume was spent.
func (l *Limiter) Release(dependency string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[dependency]
	if !ok {
		return
	}
	if w.inflight > 0 {
		w.inflight--
	}
}

// WaitUntilAllowed polls until the budget can absorb estimatedCost, then
// reserves it. The only blocking operation in the core: it sleeps
// cooperatively and honors ctx cancellation.
func (l *Limiter) WaitUntilAllowed(ctx context.Context, dependency string, estimatedCost int, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for {
		if l.TryReserve(dependency, estimatedCost) {
			return nil
		}
		l.logger.Debug("budget exhausted, waiting",
			zap.String("dependency", dependency),
			zap.Int("cost", estimatedCost))
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cleanup rolls every expired window forward. Idempotent and safe to call
// concurrently with checks.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, w := range l.windows {
		w.resetIfExpired(now)
	}
}

// Usage returns the current used count for a dependency, mainly for status
// reporting and tests.
func (l *Limiter) Usage(dependency string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[dependency]
	if !ok {
		return 0
	}
	w.resetIfExpired(l.now())
	return w.used
}
