package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PendingRetrier re-drives payout operations stuck in the pending state.
type PendingRetrier interface {
	RetryPending(ctx context.Context) (int, error)
}

// OutboxWorker periodically retries pending withdrawals so a crash between
// the debit and the rail call never strands funds.
type OutboxWorker struct {
	retrier  PendingRetrier
	interval time.Duration
	log      *logrus.Entry

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewOutboxWorker(retrier PendingRetrier, interval time.Duration) *OutboxWorker {
	return &OutboxWorker{
		retrier:  retrier,
		interval: interval,
		log:      logrus.WithField("component", "outbox_worker"),
	}
}

// Start launches the loop. It runs one pass immediately.
func (o *OutboxWorker) Start(ctx context.Context) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true

	go o.run(ctx, o.done)
	o.log.WithField("interval", o.interval).Info("Outbox worker started")
}

// Stop cancels the loop and waits for the current pass to finish.
func (o *OutboxWorker) Stop() {
	o.mutex.Lock()
	if !o.running {
		o.mutex.Unlock()
		return
	}
	o.cancel()
	o.running = false
	done := o.done
	o.mutex.Unlock()

	<-done
	o.log.Info("Outbox worker stopped")
}

func (o *OutboxWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ticker.C:
			o.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *OutboxWorker) tick(ctx context.Context) {
	processed, err := o.retrier.RetryPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.WithError(err).Error("Outbox pass failed")
		}
		return
	}
	if processed > 0 {
		o.log.WithField("processed", processed).Info("Outbox pass finished")
	}
}
