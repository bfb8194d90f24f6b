package peer

import (
	"sync"
	"time"
)

// rateMeter tracks an exponentially-weighted moving average of a byte
// counter, used for both download and upload rate estimation feeding the
// choking controller.
type rateMeter struct {
	alpha float64

	mu       sync.Mutex
	window   int64
	rate     float64
	lastTick time.Time
}

func newRateMeter(alpha float64) *rateMeter {
	return &rateMeter{alpha: alpha, lastTick: time.Now()}
}

func (r *rateMeter) add(n int) {
	r.mu.Lock()
	r.window += int64(n)
	r.mu.Unlock()
}

// tick folds the bytes accumulated since the last tick into the EWMA and
// resets the window. Callers should invoke it on a steady schedule (the
// choking controller's unchoke interval).
func (r *rateMeter) tick(elapsed time.Duration) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}

	sample := float64(r.window) / secs
	r.window = 0
	r.rate = r.alpha*sample + (1-r.alpha)*r.rate
	return r.rate
}

func (r *rateMeter) value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}
