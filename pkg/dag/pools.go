package dag

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Pools partitions task execution slots by label. A task that declares a
// pool must hold one of its slots while running; the "cpu-heavy" pool is
// sized to one slot so mixdown and waveform work serialise.
type Pools struct {
	slots map[string]chan struct{}
}

// NewPools builds the labeled pools.
func NewPools(configs []PoolConfig) *Pools {
	p := &Pools{slots: make(map[string]chan struct{}, len(configs))}
	for _, c := range configs {
		if c.Slots <= 0 {
			c.Slots = 1
		}
		p.slots[c.Label] = make(chan struct{}, c.Slots)
	}
	return p
}

// Acquire blocks until a slot in the labeled pool is free or ctx is done.
// An empty label means the task runs unpooled; release is then a no-op.
func (p *Pools) Acquire(ctx context.Context, label string) (release func(), err error) {
	if label == "" {
		return func() {}, nil
	}
	ch, ok := p.slots[label]
	if !ok {
		return nil, fmt.Errorf("unknown worker pool %q", label)
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Buckets holds the named rate limiters shared across tasks. Waiting on a
// bucket is cooperative and happens before a pool slot is taken, so a
// rate-limited task never starves the pool.
type Buckets struct {
	limiters map[string]*rate.Limiter
}

// NewBuckets builds the named buckets.
func NewBuckets(configs []BucketConfig) *Buckets {
	b := &Buckets{limiters: make(map[string]*rate.Limiter, len(configs))}
	for _, c := range configs {
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiters[c.Name] = rate.NewLimiter(c.PerSec, burst)
	}
	return b
}

// Wait blocks until one unit is available in the named bucket. An empty
// name or unknown bucket waits for nothing.
func (b *Buckets) Wait(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	l, ok := b.limiters[name]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
