package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingRetrier struct {
	calls atomic.Int32
	err   error
}

func (r *countingRetrier) RetryPending(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return 1, r.err
}

func TestOutboxWorker(t *testing.T) {
	t.Run("runs immediately and on every tick", func(t *testing.T) {
		retrier := &countingRetrier{}
		worker := NewOutboxWorker(retrier, 10*time.Millisecond)

		worker.Start(context.Background())
		assert.Eventually(t, func() bool { return retrier.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		worker.Stop()

		stopped := retrier.calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, stopped, retrier.calls.Load())
	})

	t.Run("start twice runs one loop", func(t *testing.T) {
		retrier := &countingRetrier{}
		worker := NewOutboxWorker(retrier, time.Hour)

		worker.Start(context.Background())
		worker.Start(context.Background())
		assert.Eventually(t, func() bool { return retrier.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		worker.Stop()
		worker.Stop()
		assert.Equal(t, int32(1), retrier.calls.Load())
	})

	t.Run("errors do not stop the loop", func(t *testing.T) {
		retrier := &countingRetrier{err: errors.New("db down")}
		worker := NewOutboxWorker(retrier, 10*time.Millisecond)

		worker.Start(context.Background())
		assert.Eventually(t, func() bool { return retrier.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
		worker.Stop()
	})

	t.Run("parent cancellation ends the loop", func(t *testing.T) {
		retrier := &countingRetrier{}
		worker := NewOutboxWorker(retrier, 10*time.Millisecond)
		ctx, cancel := context.WithCancel(context.Background())

		worker.Start(ctx)
		cancel()
		worker.Stop()
	})
}
