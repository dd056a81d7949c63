package guard

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduperSeen(t *testing.T) {
	d := NewDeduper(DedupeWindow)

	assert.False(t, d.Seen("req-1"))
	assert.True(t, d.Seen("req-1"))
	assert.False(t, d.Seen("req-2"))
	assert.Equal(t, 2, d.Len())
}

func TestDeduperWindowExpiry(t *testing.T) {
	d := NewDeduper(50 * time.Millisecond)

	assert.False(t, d.Seen("req-1"))
	assert.True(t, d.Seen("req-1"))

	time.Sleep(120 * time.Millisecond)
	assert.False(t, d.Seen("req-1"), "expired id must be fresh again")
}

func TestDeduperConcurrentSameID(t *testing.T) {
	d := NewDeduper(DedupeWindow)

	const workers = 32
	var wg sync.WaitGroup
	fresh := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh <- !d.Seen("contested")
		}()
	}
	wg.Wait()
	close(fresh)

	passes := 0
	for ok := range fresh {
		if ok {
			passes++
		}
	}
	assert.Equal(t, 1, passes, "exactly one of the racers may pass")
}

func TestRateLimiterPerClassCaps(t *testing.T) {
	rl := NewRateLimiter(DefaultClassLimits(), DefaultPerMinute)

	// build caps at 3 per minute.
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("build"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("build"), "4th build inside the window must be denied")

	// Other classes are untouched by build's window.
	assert.True(t, rl.Allow("ritual"))
}

func TestRateLimiterFallbackLimit(t *testing.T) {
	rl := NewRateLimiter(DefaultClassLimits(), DefaultPerMinute)
	assert.Equal(t, 20, rl.Limit("node"))
	assert.Equal(t, 5, rl.Limit("panic"))

	for i := 0; i < 20; i++ {
		assert.True(t, rl.Allow("node"))
	}
	assert.False(t, rl.Allow("node"))
}

func TestRateLimiterWindowRoll(t *testing.T) {
	rl := NewRateLimiter(ClassLimits{"scan": 2}, DefaultPerMinute)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("scan"))
	assert.True(t, rl.Allow("scan"))
	assert.False(t, rl.Allow("scan"))

	// 61 seconds later the window has rolled.
	clock = clock.Add(61 * time.Second)
	assert.True(t, rl.Allow("scan"))
}

func TestRateLimiterDropsIdleWindows(t *testing.T) {
	before := runtime.NumGoroutine()
	rl := NewRateLimiter(ClassLimits{"scan": 2}, DefaultPerMinute)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before, "a limiter must not spawn anything")

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.Allow("scan"))
	assert.True(t, rl.Allow("maint"))
	assert.Equal(t, 2, rl.Stats()["active_windows"])

	// Two minutes later only the re-touched class survives the sweep.
	clock = clock.Add(2 * time.Minute)
	assert.True(t, rl.Allow("scan"))
	assert.Equal(t, 1, rl.Stats()["active_windows"])
}

func TestRateLimiterDenialsDoNotConsume(t *testing.T) {
	rl := NewRateLimiter(ClassLimits{"build": 3}, DefaultPerMinute)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("build"))
	}
	for i := 0; i < 10; i++ {
		assert.False(t, rl.Allow("build"))
	}

	stats := rl.Stats()
	counts := stats["counts"].(map[string]int)
	assert.Equal(t, 3, counts["build"], "denied calls must not inflate the window")
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	rl := NewRateLimiter(ClassLimits{"bench": 1 << 30}, DefaultPerMinute)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow("bench")
	}
}

func BenchmarkDeduperSeen(b *testing.B) {
	d := NewDeduper(DedupeWindow)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Seen(fmt.Sprintf("req-%d", i%10000))
	}
}
