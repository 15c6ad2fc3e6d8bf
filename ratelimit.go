package tryst

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DecryptLimiter bounds decrypt attempts per process. It is a token bucket of
// limit tokens refilled evenly over window, which approximates a rolling
// window of limit attempts. Counters are not shared between processes.
type DecryptLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	delay   time.Duration
	clock   Clock
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewDecryptLimiter(limit int, window, delay time.Duration, clock Clock, logger *logrus.Logger) *DecryptLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	dl := &DecryptLimiter{
		limit:  limit,
		window: window,
		delay:  delay,
		clock:  clock,
		log:    logger.WithField("component", "ratelimit"),
	}
	dl.limiter = dl.newLimiter()
	return dl
}

func (dl *DecryptLimiter) newLimiter() *rate.Limiter {
	if dl.limit <= 0 || dl.window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(dl.window/time.Duration(dl.limit)), dl.limit)
}

// Allow consumes one attempt. When the budget is spent it waits the fixed
// penalty delay, or until ctx is done, and returns a *RateLimitError.
func (dl *DecryptLimiter) Allow(ctx context.Context) error {
	dl.mu.Lock()
	now := dl.clock.Now()
	if dl.limiter.AllowN(now, 1) {
		dl.mu.Unlock()
		return nil
	}
	r := dl.limiter.ReserveN(now, 1)
	retryAfter := r.DelayFrom(now)
	r.CancelAt(now)
	dl.mu.Unlock()

	dl.log.WithField("retry_after", retryAfter).Warn("decrypt attempt budget exhausted")

	if dl.delay > 0 {
		timer := time.NewTimer(dl.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &RateLimitError{RetryAfter: retryAfter}
}

// Reset refills the budget
func (dl *DecryptLimiter) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.limiter = dl.newLimiter()
}
