package tools

import (
	"slices"
	"sync"
	"time"
)

// defaultWindowSize is the capacity of each tool's recent-call window.
const defaultWindowSize = 100

// rollingWindow tracks the last N handler latencies for percentile
// calculation. It is a ring buffer: once full, the oldest measurement is
// overwritten and leaves the error tally with it. All methods are safe for
// concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int // next write position
	count   int // total samples written (may exceed len(samples))
	errors  int // failed samples currently in the window
	size    int
}

// newRollingWindow creates a window with the given capacity. A size of 0 or
// negative defaults to defaultWindowSize.
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &rollingWindow{
		samples: make([]time.Duration, size),
		failed:  make([]bool, size),
		size:    size,
	}
}

// Record adds one latency measurement and counts failed invocations.
func (w *rollingWindow) Record(d time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= w.size && w.failed[w.pos] {
		w.errors--
	}
	w.samples[w.pos] = d
	w.failed[w.pos] = failed
	w.pos = (w.pos + 1) % w.size
	w.count++

	if failed {
		w.errors++
	}
}

// windowLen returns the number of meaningful samples in the buffer.
// w.mu must be held.
func (w *rollingWindow) windowLen() int {
	return min(w.count, w.size)
}

// sortedCopy returns the current samples in ascending order.
// w.mu must be held.
func (w *rollingWindow) sortedCopy() []time.Duration {
	n := w.windowLen()
	if n == 0 {
		return nil
	}
	cp := make([]time.Duration, n)
	copy(cp, w.samples[:n])
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency of the window, 0 when empty.
func (w *rollingWindow) P50() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedCopy()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)/2]
}

// P99 returns the 99th-percentile latency of the window, 0 when empty.
func (w *rollingWindow) P99() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedCopy()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * 0.99)
	return sorted[idx]
}

// ErrorRate returns the fraction of windowed calls that failed (0.0 to 1.0).
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	return float64(w.errors) / float64(n)
}

// Count returns the total number of invocations recorded, which may exceed
// the window capacity.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
