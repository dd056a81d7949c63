// Package guard holds the per-process request guards shared by the router
// and the agents: the request_id dedupe window and the per-class rate
// limiter. Both are plain structs behind mutexes; no globals.
package guard

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
)

// DedupeWindow is how long a request_id stays hot after first sight.
const DedupeWindow = 10 * time.Minute

// dedupeCapacity bounds the hot set; at the default caps the plane cannot
// produce anywhere near this many distinct ids inside one window.
const dedupeCapacity = 65536

// ============================================================================
// REQUEST DEDUPE
// ============================================================================

// Deduper tracks request_ids seen within the dedupe window.
type Deduper struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, int64]
}

// NewDeduper builds a deduper with the given retention window.
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DedupeWindow
	}
	return &Deduper{seen: expirable.NewLRU[string, int64](dedupeCapacity, nil, window)}
}

// Seen marks the id and reports whether it was already hot. The check and
// the mark are one atomic step so two racing duplicates cannot both pass.
func (d *Deduper) Seen(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen.Get(requestID); ok {
		return true
	}
	d.seen.Add(requestID, time.Now().UnixMilli())
	return false
}

// Len reports the current hot set size.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}

// ============================================================================
// PER-CLASS RATE LIMITER
// ============================================================================

// ClassLimits maps a capability class to its per-minute cap.
type ClassLimits map[string]int

// DefaultPerMinute applies to classes without an explicit cap (node.*).
const DefaultPerMinute = 20

// DefaultClassLimits returns the fixed per-minute caps used by the router
// and mirrored by every agent.
func DefaultClassLimits() ClassLimits {
	return ClassLimits{
		"panic":    5,
		"snapshot": 30,
		"maint":    20,
		"scan":     6,
		"build":    3,
		"ritual":   10,
	}
}

type window struct {
	count int
	start time.Time
}

// RateLimiter enforces sliding one-minute windows per capability class.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	limits    ClassLimits
	fallback  int
	lastSweep time.Time

	now func() time.Time // test hook
}

// NewRateLimiter builds a limiter. Expired windows are swept inline on the
// callers' goroutines, so constructing a limiter spawns nothing.
func NewRateLimiter(limits ClassLimits, fallback int) *RateLimiter {
	if limits == nil {
		limits = DefaultClassLimits()
	}
	if fallback <= 0 {
		fallback = DefaultPerMinute
	}
	return &RateLimiter{
		windows:  make(map[string]*window),
		limits:   limits,
		fallback: fallback,
		now:      time.Now,
	}
}

// Limit returns the cap for a class.
func (rl *RateLimiter) Limit(class string) int {
	if n, ok := rl.limits[class]; ok {
		return n
	}
	return rl.fallback
}

// Allow consumes one slot for the class, reporting false when the window is
// already at its cap. Counting is exact: denials never consume a slot.
func (rl *RateLimiter) Allow(class string) bool {
	now := rl.now()
	limit := rl.Limit(class)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(now)

	w, ok := rl.windows[class]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[class] = &window{count: 1, start: now}
		return true
	}
	if w.count >= limit {
		log.WithFields(log.Fields{"component": "guard", "class": class, "limit": limit}).
			Warn("rate limit exceeded")
		return false
	}
	w.count++
	return true
}

// sweepLocked drops expired windows so idle classes do not linger. Runs at
// most once a minute; callers hold the mutex.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	rl.lastSweep = now
	for class, w := range rl.windows {
		if now.Sub(w.start) > time.Minute {
			delete(rl.windows, class)
		}
	}
}

// Stats reports the live window set for health handlers.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(rl.now())

	counts := make(map[string]int, len(rl.windows))
	for class, w := range rl.windows {
		counts[class] = w.count
	}
	return map[string]interface{}{
		"active_windows": len(rl.windows),
		"counts":         counts,
		"default_limit":  rl.fallback,
	}
}
