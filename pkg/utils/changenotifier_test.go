package utils

import (
	"context"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/stretchr/testify/require"
)

func TestChangeNotifierWaitUntil(t *testing.T) {
	n := NewChangeNotifier()
	var value atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- n.WaitUntil(context.Background(), func() bool { return value.Load() == 3 })
	}()

	for i := 1; i <= 3; i++ {
		time.Sleep(5 * time.Millisecond)
		value.Store(int32(i))
		n.NotifyChanged()
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestChangeNotifierCancel(t *testing.T) {
	n := NewChangeNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, n.WaitUntil(ctx, func() bool { return false }), context.Canceled)
	require.NoError(t, n.WaitUntil(ctx, func() bool { return true }))
}
