// Package clock abstracts time so debounce and absence timers can be tested.
package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations used by the pipeline.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks at intervals.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Real implements Clock using the standard time package.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time  { return t.ticker.C }
func (t *realTicker) Stop()                { t.ticker.Stop() }
func (t *realTicker) Reset(d time.Duration) { t.ticker.Reset(d) }

// Mock is a manually advanced clock for tests.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*mockTicker
}

// NewMock creates a Mock set to t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

// Now returns the mocked current time.
func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the mocked duration since t.
func (c *Mock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set moves the clock to t without firing tickers.
func (c *Mock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward and fires due tickers (at most one tick each).
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*mockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		t.fireIfDue(now)
	}
}

// NewTicker creates a ticker driven by Advance.
func (c *Mock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTicker{ch: make(chan time.Time, 1), interval: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

type mockTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *mockTicker) Reset(d time.Duration) {
	t.mu.Lock()
	t.next = t.next.Add(-t.interval).Add(d)
	t.interval = d
	t.stopped = false
	t.mu.Unlock()
}

func (t *mockTicker) fireIfDue(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.interval <= 0 || now.Before(t.next) {
		return
	}
	for !t.next.After(now) {
		t.next = t.next.Add(t.interval)
	}
	select {
	case t.ch <- now:
	default:
	}
}
