package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many remover calls run at once across all requests, so a
// burst of slow inferences queues up instead of piling onto the model.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int {
	return int(p.size)
}

// Do runs fn once a slot is free. It gives up when ctx is done first.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for worker: %w", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}
