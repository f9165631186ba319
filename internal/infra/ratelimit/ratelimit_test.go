package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := New()
	l.now = func() time.Time { return now }
	l.lastSweep = start
	return l, &now
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLimiter(start)

	for i := 0; i < 2; i++ {
		res := l.Check("bout-creation", 2, time.Hour, "1.2.3.4")
		assert.True(t, res.Success)
		assert.Equal(t, 1-i, res.Remaining)
		assert.Equal(t, start.Add(time.Hour), res.ResetAt)
	}
	res := l.Check("bout-creation", 2, time.Hour, "1.2.3.4")
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Remaining)

	// Other identities and policies are independent.
	assert.True(t, l.Check("bout-creation", 2, time.Hour, "5.6.7.8").Success)
	assert.True(t, l.Check("agents", 2, time.Hour, "1.2.3.4").Success)
}

func TestCheck_WindowResets(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)

	assert.True(t, l.Check("p", 1, time.Hour, "u").Success)
	assert.False(t, l.Check("p", 1, time.Hour, "u").Success)

	*now = start.Add(time.Hour + time.Second)
	res := l.Check("p", 1, time.Hour, "u")
	assert.True(t, res.Success)
	assert.Equal(t, now.Add(time.Hour), res.ResetAt)
}

func TestCheck_SweepsExpired(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l, now := newTestLimiter(start)

	l.Check("p", 5, time.Minute, "a")
	l.Check("p", 5, time.Minute, "b")
	assert.Equal(t, 2, l.Len("p"))

	*now = start.Add(10 * time.Minute)
	l.Check("p", 5, time.Minute, "c")
	assert.Equal(t, 1, l.Len("p"))
}

func TestCheck_Concurrent(t *testing.T) {
	t.Parallel()
	l := New()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("p", 15, time.Hour, "u").Success {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 15, ok)
}
