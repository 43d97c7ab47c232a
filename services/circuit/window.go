package circuit

import "time"

// windowBuckets is the number of sub-windows a breaker window is split into.
// Outcomes expire one sub-window at a time.
const windowBuckets = 10

type windowBucket struct {
	epoch    int64
	failures uint32
	requests uint32
}

// slidingWindow counts call outcomes over the trailing window. It keeps a
// ring of buckets indexed by epoch, the number of bucket widths elapsed since
// origin. A bucket whose epoch has fallen out of the ring is stale and is
// overwritten on the next record.
type slidingWindow struct {
	origin  time.Time
	width   time.Duration
	buckets [windowBuckets]windowBucket
}

func newSlidingWindow(window time.Duration, origin time.Time) slidingWindow {
	width := window / windowBuckets
	if width <= 0 {
		width = 1
	}
	w := slidingWindow{origin: origin, width: width}
	w.reset()
	return w
}

func (w *slidingWindow) epochAt(now time.Time) int64 {
	elapsed := now.Sub(w.origin)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / w.width)
}

func (w *slidingWindow) record(now time.Time, failed bool) {
	epoch := w.epochAt(now)
	bucket := &w.buckets[epoch%windowBuckets]
	if bucket.epoch != epoch {
		*bucket = windowBucket{epoch: epoch}
	}
	bucket.requests++
	if failed {
		bucket.failures++
	}
}

// counts sums the buckets of the windowBuckets most recent epochs up to now
func (w *slidingWindow) counts(now time.Time) (failures, requests uint32) {
	epoch := w.epochAt(now)
	for _, bucket := range w.buckets {
		if bucket.epoch <= epoch-windowBuckets || bucket.epoch > epoch {
			continue
		}
		failures += bucket.failures
		requests += bucket.requests
	}
	return failures, requests
}

func (w *slidingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = windowBucket{epoch: -windowBuckets}
	}
}
