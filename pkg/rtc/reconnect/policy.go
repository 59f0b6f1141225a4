package reconnect

import (
	"math/rand"
	"sync"
	"time"
)

// Context describes the reconnect attempts made since the first failure.
type Context struct {
	// number of failed attempts so far
	RetryCount int
	// time since the first failure
	Elapsed time.Duration
}

// Policy decides how long to wait before the next attempt. Returning false stops retrying.
type Policy interface {
	NextRetryDelay(ctx Context) (time.Duration, bool)
}

var DefaultRetryDelays = []time.Duration{
	0,
	300 * time.Millisecond,
	2 * 2 * 300 * time.Millisecond,
	3 * 3 * 300 * time.Millisecond,
	4 * 4 * 300 * time.Millisecond,
	7000 * time.Millisecond,
	7000 * time.Millisecond,
	7000 * time.Millisecond,
	7000 * time.Millisecond,
	7000 * time.Millisecond,
}

const DefaultMaxJitter = time.Second

// DefaultPolicy walks a fixed backoff table, adding jitter after the second attempt.
type DefaultPolicy struct {
	delays    []time.Duration
	maxJitter time.Duration

	lock sync.Mutex
	rand *rand.Rand
}

func NewDefaultPolicy() *DefaultPolicy {
	return NewPolicy(DefaultRetryDelays, DefaultMaxJitter)
}

func NewPolicy(delays []time.Duration, maxJitter time.Duration) *DefaultPolicy {
	return &DefaultPolicy{
		delays:    delays,
		maxJitter: maxJitter,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRandSource replaces the jitter source.
func (p *DefaultPolicy) SetRandSource(src rand.Source) {
	p.lock.Lock()
	p.rand = rand.New(src)
	p.lock.Unlock()
}

func (p *DefaultPolicy) NextRetryDelay(ctx Context) (time.Duration, bool) {
	if ctx.RetryCount < 0 || ctx.RetryCount >= len(p.delays) {
		return 0, false
	}

	delay := p.delays[ctx.RetryCount]
	if ctx.RetryCount <= 1 || p.maxJitter <= 0 {
		return delay, true
	}

	p.lock.Lock()
	jitter := time.Duration(p.rand.Int63n(int64(p.maxJitter)))
	p.lock.Unlock()
	return delay + jitter, true
}

// MaxRetries is the number of attempts the policy allows.
func (p *DefaultPolicy) MaxRetries() int {
	return len(p.delays)
}

// PolicyFunc adapts a function to a Policy.
type PolicyFunc func(ctx Context) (time.Duration, bool)

func (f PolicyFunc) NextRetryDelay(ctx Context) (time.Duration, bool) {
	return f(ctx)
}
