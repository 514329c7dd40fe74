package loadstat

import (
	"sync"
	"time"
)

// rateWindow counts requests in a sliding window split into buckets.
// Samples must arrive in time order; the registry guarantees it.
type rateWindow struct {
	mu         sync.Mutex
	windowSize time.Duration
	bucketDur  time.Duration
	buckets    []int64
	lastBucket int
	lastTime   time.Time
	total      int64
	peak       float64
}

func newRateWindow(now time.Time, windowSize time.Duration, numBuckets int) *rateWindow {
	return &rateWindow{
		windowSize: windowSize,
		bucketDur:  windowSize / time.Duration(numBuckets),
		buckets:    make([]int64, numBuckets),
		lastTime:   now,
	}
}

func (w *rateWindow) add(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance(now)
	w.buckets[w.lastBucket]++
	w.total++

	if cur := float64(w.total) / w.windowSize.Seconds(); cur > w.peak {
		w.peak = cur
	}
}

// advance rotates out buckets older than the window. Must be called with
// the lock held.
func (w *rateWindow) advance(now time.Time) {
	elapsed := now.Sub(w.lastTime)
	if elapsed < w.bucketDur {
		return
	}

	n := int(elapsed / w.bucketDur)
	if n >= len(w.buckets) {
		clear(w.buckets)
		w.total = 0
		w.lastBucket = 0
	} else {
		for range n {
			next := (w.lastBucket + 1) % len(w.buckets)
			w.total -= w.buckets[next]
			w.buckets[next] = 0
			w.lastBucket = next
		}
	}
	w.lastTime = w.lastTime.Add(time.Duration(n) * w.bucketDur)
}

// rate returns requests per second over the window ending at now.
func (w *rateWindow) rate(now time.Time) (current, peak float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.After(w.lastTime) {
		w.advance(now)
	}
	return float64(w.total) / w.windowSize.Seconds(), w.peak
}
