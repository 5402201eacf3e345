package server

import (
	"sync"

	"github.com/juju/ratelimit"
)

const (
	defaultSignInRatePerMinute = 10
	maxTrackedClients          = 10000
)

// clientLimiter keeps one token bucket per client key. The bucket holds a minute's
// worth of tokens and refills continuously.
type clientLimiter struct {
	mu            sync.Mutex
	ratePerMinute int
	buckets       map[string]*ratelimit.Bucket
}

func newClientLimiter(ratePerMinute int) *clientLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = defaultSignInRatePerMinute
	}
	return &clientLimiter{
		ratePerMinute: ratePerMinute,
		buckets:       make(map[string]*ratelimit.Bucket),
	}
}

func (l *clientLimiter) allow(key string) bool {
	return l.bucket(key).TakeAvailable(1) == 1
}

func (l *clientLimiter) bucket(key string) *ratelimit.Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := l.buckets[key]; ok {
		return bucket
	}
	if len(l.buckets) >= maxTrackedClients {
		l.buckets = make(map[string]*ratelimit.Bucket)
	}
	bucket := ratelimit.NewBucketWithRate(float64(l.ratePerMinute)/60, int64(l.ratePerMinute))
	l.buckets[key] = bucket
	return bucket
}
