package usersvc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// senderLimiter applies a token bucket per bus sender to mutating calls and
// periodically evicts senders that went quiet. A rate of zero disables it
// until setLimit enables it again.
type senderLimiter struct {
	mu       sync.Mutex
	enabled  bool
	limit    rate.Limit
	burst    int
	bySender map[string]*limiterEntry
	hits     uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSenderLimiter(rps float64, burst int) *senderLimiter {
	l := &senderLimiter{bySender: make(map[string]*limiterEntry)}
	l.setLimit(rps, burst)
	return l
}

// allow reports whether sender may make one more mutating call at now
func (l *senderLimiter) allow(sender string, now time.Time) bool {
	if sender == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return true
	}

	e, ok := l.bySender[sender]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.bySender[sender] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-limiterIdleTTL)
		for k, v := range l.bySender {
			if v.lastSeen.Before(cutoff) {
				delete(l.bySender, k)
			}
		}
	}
	return allowed
}

// setLimit changes the rate for existing and future senders. A rate that
// is not positive turns limiting off and forgets every bucket.
func (l *senderLimiter) setLimit(rps float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rps <= 0 {
		l.enabled = false
		clear(l.bySender)
		return
	}
	l.enabled = true
	l.limit, l.burst = rate.Limit(rps), burst
	for _, e := range l.bySender {
		e.limiter.SetLimit(l.limit)
		e.limiter.SetBurst(burst)
	}
}

// active reports whether limiting is on
func (l *senderLimiter) active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}
