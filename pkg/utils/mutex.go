package utils

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Mutex is an exclusive lock whose acquisition can be abandoned through a context.
type Mutex struct {
	sem *semaphore.Weighted
}

func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is held or ctx is done. The returned func releases it
// and must be called exactly once.
func (m *Mutex) Lock(ctx context.Context) (func(), error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { m.sem.Release(1) }, nil
}
