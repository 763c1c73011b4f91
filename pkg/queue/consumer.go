package queue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one claimed message. Returning nil acknowledges the
// message; returning an error (or panicking) leaves the lease to expire so
// another consumer retries it later.
type Handler func(ctx context.Context, msg *Claimed) error

// ConsumerOptions tunes a Consumer. The zero value runs a single worker with
// the queue's defaults.
type ConsumerOptions struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// Visibility overrides the queue visibility timeout per claim.
	Visibility time.Duration
	// PollInterval is the idle sleep when the queue is drained.
	PollInterval time.Duration
	// AutoRenew keeps the lease alive while the handler runs, renewing at
	// half the visibility timeout. When a renewal reports the lease gone,
	// the handler's context is cancelled.
	AutoRenew bool
	// Logger defaults to the queue's logger behavior (nop when unset).
	Logger *zap.Logger
}

// Consumer drives handlers over a queue: claim, process, complete. It holds
// no queue state of its own; everything rides on the lease protocol, so any
// number of Consumer processes may share one queue.
type Consumer struct {
	queue   *Queue
	handler Handler
	opts    ConsumerOptions
	log     *zap.Logger
}

// NewConsumer validates and builds a Consumer.
func NewConsumer(q *Queue, h Handler, opts ConsumerOptions) (*Consumer, error) {
	if q == nil {
		return nil, ErrNilStore
	}
	if h == nil {
		return nil, errors.New("queue: handler is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{queue: q, handler: h, opts: opts, log: log}, nil
}

// Run blocks until ctx is cancelled, then drains in-flight handlers.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.queue.Claim(ctx, ClaimOptions{Visibility: c.opts.Visibility})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("claim failed", zap.Int("worker", worker), zap.Error(err))
			// Store trouble; back off before hammering it again.
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.PollInterval):
			}
			continue
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.PollInterval):
			}
			continue
		}
		c.process(ctx, worker, msg)
	}
}

func (c *Consumer) process(ctx context.Context, worker int, msg *Claimed) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var renewWG sync.WaitGroup
	if c.opts.AutoRenew {
		renewWG.Add(1)
		go func() {
			defer renewWG.Done()
			c.renewLoop(hctx, cancel, msg.LeaseToken)
		}()
	}

	err := c.invoke(hctx, msg)
	cancel()
	renewWG.Wait()

	if err != nil {
		// Leave the lease to lapse; the message comes back with tries+1.
		c.log.Warn("handler failed, message will be retried after lease expiry",
			zap.Int("worker", worker),
			zap.String("id", msg.ID),
			zap.Int32("tries", msg.Tries),
			zap.Error(err),
		)
		return
	}

	if _, err := c.queue.Complete(ctx, msg.LeaseToken); err != nil {
		if errors.Is(err, ErrUnknownOrExpiredLease) {
			c.log.Warn("lease expired before completion; message may be redelivered",
				zap.Int("worker", worker),
				zap.String("id", msg.ID),
			)
			return
		}
		c.log.Error("complete failed", zap.Int("worker", worker), zap.String("id", msg.ID), zap.Error(err))
	}
}

// invoke runs the handler with panic containment so one bad message cannot
// take down a worker.
func (c *Consumer) invoke(ctx context.Context, msg *Claimed) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked",
				zap.String("id", msg.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = errors.New("queue: handler panicked")
		}
	}()
	return c.handler(ctx, msg)
}

func (c *Consumer) renewLoop(ctx context.Context, cancel context.CancelFunc, token string) {
	visibility := c.opts.Visibility
	if visibility <= 0 {
		visibility = c.queue.visibility
	}
	interval := visibility / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.queue.Renew(ctx, token, visibility); err != nil {
				if errors.Is(err, ErrUnknownOrExpiredLease) {
					// Someone else owns the message now; stop working on it.
					cancel()
					return
				}
				c.log.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}
}
