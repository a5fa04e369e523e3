// Package lock provides named mutual exclusion for queue mutations.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Local serialises holders of the same key inside one process.
type Local struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{sems: make(map[string]chan struct{})}
}

// Acquire blocks until the key is free or ctx is done.
// The returned release func is safe to call more than once.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	sem := l.semaphore(key)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-sem })
	}, nil
}

func (l *Local) semaphore(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[key] = sem
	}
	return sem
}
