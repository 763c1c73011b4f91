package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mistakster/mongodb-queue/pkg/store"
)

// Defaults applied when neither the queue nor the call site overrides them.
const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
)

// tokenRetries bounds re-rolls on the (practically unreachable) case of a
// lease token collision.
const tokenRetries = 3

// Queue is the lease manager. It is stateless between calls: every state
// transition is one conditional find-and-update against the store, so any
// number of goroutines or processes may share a queue with no coordination
// beyond the store itself.
type Queue struct {
	store      store.Store
	name       string
	visibility time.Duration
	delay      time.Duration
	now        func() time.Time
	newToken   func() string
	log        *zap.Logger
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithVisibilityTimeout sets the default duration a claimed message stays
// hidden from other consumers.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithDefaultDelay sets the default delay applied by Add.
func WithDefaultDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.delay = d
		}
	}
}

// WithLogger attaches a logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithClock overrides the time source. Tests use this to drive lease expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New builds a lease manager over the given store.
func New(st store.Store, name string, opts ...Option) (*Queue, error) {
	if st == nil {
		return nil, ErrNilStore
	}
	if name == "" {
		return nil, ErrEmptyName
	}
	q := &Queue{
		store:      st,
		name:       name,
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
		newToken:   uuid.NewString,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// EnsureIndexes performs one-time store setup for this queue. Operators run
// it once before first use; it is idempotent.
func (q *Queue) EnsureIndexes(ctx context.Context) error {
	return q.store.EnsureIndexes(ctx)
}

// Add enqueues a payload and returns the store-assigned message ID. A
// negative delay selects the queue's configured default; zero means
// immediately visible.
func (q *Queue) Add(ctx context.Context, payload []byte, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = q.delay
	}
	now := q.now()
	rec := &store.Record{
		Payload:   payload,
		CreatedAt: now,
		VisibleAt: now.Add(delay),
	}
	msgID, err := q.store.InsertOne(ctx, rec)
	if err != nil {
		return "", err
	}
	q.log.Debug("added message",
		zap.String("queue", q.name),
		zap.String("id", msgID),
		zap.Duration("delay", delay),
	)
	return msgID, nil
}

// ClaimOptions tunes a single Claim call. The zero value uses the queue
// defaults and returns immediately when the queue is drained.
type ClaimOptions struct {
	// Visibility overrides the queue's visibility timeout for this claim.
	Visibility time.Duration
	// WaitFor bounds how long Claim polls for a message before giving up
	// with an empty result. Zero disables waiting.
	WaitFor time.Duration
	// PollInterval is the sleep between polls while waiting.
	PollInterval time.Duration
}

// Claim checks out the oldest eligible message: lowest tries first, then
// insertion order. It returns (nil, nil) when nothing is eligible — a normal
// drained-queue signal, not an error.
//
// The select-and-mutate is a single atomic store operation; in the same step
// the message's tries counter is incremented, a fresh lease token is set, and
// the message is hidden for the visibility timeout.
func (q *Queue) Claim(ctx context.Context, opts ClaimOptions) (*Claimed, error) {
	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = q.visibility
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := q.now().Add(opts.WaitFor)
	for {
		msg, err := q.claimOnce(ctx, visibility)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if opts.WaitFor <= 0 || !q.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (q *Queue) claimOnce(ctx context.Context, visibility time.Duration) (*Claimed, error) {
	now := q.now()
	hideUntil := now.Add(visibility)
	notCompleted := false

	for attempt := 0; ; attempt++ {
		token := q.newToken()
		rec, err := q.store.FindOneAndUpdate(ctx,
			store.Filter{Completed: &notCompleted, VisibleBefore: now},
			store.SortByTriesThenCreation,
			store.Update{IncTries: true, SetLeaseToken: &token, SetVisibleAt: &hideUntil},
		)
		if errors.Is(err, store.ErrNoMatch) {
			return nil, nil
		}
		if errors.Is(err, store.ErrDuplicateToken) && attempt < tokenRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		q.log.Debug("claimed message",
			zap.String("queue", q.name),
			zap.String("id", rec.ID),
			zap.Int32("tries", rec.Tries),
			zap.Time("visible_at", rec.VisibleAt),
		)
		return &Claimed{ID: rec.ID, LeaseToken: rec.LeaseToken, Payload: rec.Payload, Tries: rec.Tries}, nil
	}
}

// Renew extends an active lease by the visibility timeout (or the override).
// The precondition — token matches, not completed, not yet expired — is
// evaluated atomically with the extension. Returns the message ID, or
// ErrUnknownOrExpiredLease.
func (q *Queue) Renew(ctx context.Context, leaseToken string, visibility time.Duration) (string, error) {
	if visibility <= 0 {
		visibility = q.visibility
	}
	now := q.now()
	hideUntil := now.Add(visibility)
	notCompleted := false

	rec, err := q.store.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: leaseToken, Completed: &notCompleted, VisibleAfter: now},
		store.SortNone,
		store.Update{SetVisibleAt: &hideUntil},
	)
	if errors.Is(err, store.ErrNoMatch) {
		return "", ErrUnknownOrExpiredLease
	}
	if err != nil {
		return "", err
	}
	q.log.Debug("renewed lease",
		zap.String("queue", q.name),
		zap.String("id", rec.ID),
		zap.Time("visible_at", rec.VisibleAt),
	)
	return rec.ID, nil
}

// Complete acknowledges a message under an active lease, soft-deleting it.
// The record stays in the store (counted by DoneCount) until PurgeCompleted.
// Returns the message ID, or ErrUnknownOrExpiredLease — most commonly because
// the lease lapsed and another consumer reclaimed the message, or because it
// was already completed.
func (q *Queue) Complete(ctx context.Context, leaseToken string) (string, error) {
	now := q.now()
	notCompleted := false

	rec, err := q.store.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: leaseToken, Completed: &notCompleted, VisibleAfter: now},
		store.SortNone,
		store.Update{SetCompletedAt: &now},
	)
	if errors.Is(err, store.ErrNoMatch) {
		return "", ErrUnknownOrExpiredLease
	}
	if err != nil {
		return "", err
	}
	q.log.Debug("completed message",
		zap.String("queue", q.name),
		zap.String("id", rec.ID),
		zap.Int32("tries", rec.Tries),
	)
	return rec.ID, nil
}

// PurgeCompleted permanently deletes every soft-deleted message. It is not
// atomic with respect to completions racing in; a message completed during
// the sweep is picked up by the next one.
func (q *Queue) PurgeCompleted(ctx context.Context) error {
	completed := true
	return q.store.DeleteMatching(ctx, store.Filter{Completed: &completed})
}

// Total counts messages in any state.
func (q *Queue) Total(ctx context.Context) (int64, error) {
	return q.store.Count(ctx, store.Filter{})
}

// AvailableCount counts messages eligible for claim right now.
func (q *Queue) AvailableCount(ctx context.Context) (int64, error) {
	notCompleted := false
	return q.store.Count(ctx, store.Filter{Completed: &notCompleted, VisibleBefore: q.now()})
}

// InFlightCount counts messages held under unexpired leases.
func (q *Queue) InFlightCount(ctx context.Context) (int64, error) {
	notCompleted := false
	leased := true
	return q.store.Count(ctx, store.Filter{Completed: &notCompleted, Leased: &leased, VisibleAfter: q.now()})
}

// DoneCount counts completed (soft-deleted) messages awaiting purge.
func (q *Queue) DoneCount(ctx context.Context) (int64, error) {
	completed := true
	return q.store.Count(ctx, store.Filter{Completed: &completed})
}
