package utils

import (
	"context"
	"sync"
)

// ChangeNotifier wakes every watcher on each change.
type ChangeNotifier struct {
	lock sync.Mutex
	ch   chan struct{}
}

func NewChangeNotifier() *ChangeNotifier {
	return &ChangeNotifier{
		ch: make(chan struct{}),
	}
}

// Watch returns a channel that is closed by the next NotifyChanged.
func (n *ChangeNotifier) Watch() <-chan struct{} {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.ch
}

func (n *ChangeNotifier) NotifyChanged() {
	n.lock.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.lock.Unlock()
}

// WaitUntil blocks until cond holds, re-evaluating it after every change.
func (n *ChangeNotifier) WaitUntil(ctx context.Context, cond func() bool) error {
	for {
		changed := n.Watch()
		if cond() {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
