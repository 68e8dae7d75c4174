// Package resource serializes work per hardware resource. Callers on the
// same key run one at a time in arrival order, different keys never wait on
// each other.
package resource

import (
	"context"
	"sync"
)

type queue struct {
	waiters []chan struct{} // waiters[0] holds the lock
}

// Locks is a set of FIFO mutexes keyed by resource name. The zero value is
// ready to use.
type Locks struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewLocks creates an empty lock set
func NewLocks() *Locks {
	return &Locks{queues: make(map[string]*queue)}
}

// Acquire blocks until the caller owns key or ctx is done. Arrival order is
// the order in which Acquire was entered. The returned release must be
// called exactly once.
func (l *Locks) Acquire(ctx context.Context, key string) (func(), error) {
	ch := make(chan struct{})

	l.mu.Lock()
	if l.queues == nil {
		l.queues = make(map[string]*queue)
	}
	q, ok := l.queues[key]
	if !ok {
		q = &queue{}
		l.queues[key] = q
	}
	q.waiters = append(q.waiters, ch)
	if len(q.waiters) == 1 {
		close(ch)
	}
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaser(key, ch), nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ch:
			// Granted while we were giving up, hand it on
			l.mu.Unlock()
			l.releaser(key, ch)()
		default:
			l.remove(key, ch)
			l.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (l *Locks) releaser(key string, ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.remove(key, ch)
		})
	}
}

// remove drops ch from the queue and wakes the next waiter if ch held the
// lock. Must be called with l.mu held.
func (l *Locks) remove(key string, ch chan struct{}) {
	q := l.queues[key]
	if q == nil {
		return
	}
	for i, w := range q.waiters {
		if w != ch {
			continue
		}
		q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
		if i == 0 && len(q.waiters) > 0 {
			close(q.waiters[0])
		}
		break
	}
	if len(q.waiters) == 0 {
		delete(l.queues, key)
	}
}

// Do runs fn while holding key
func (l *Locks) Do(ctx context.Context, key string, fn func() error) error {
	release, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Waiting reports how many callers hold or wait for key
func (l *Locks) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q := l.queues[key]; q != nil {
		return len(q.waiters)
	}
	return 0
}
