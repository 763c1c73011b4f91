package store

import (
	"context"
	"errors"
	"time"
)

// ErrNoMatch is returned by FindOneAndUpdate when no record satisfies the
// filter. It is a normal outcome (queue drained, lease gone), not a failure.
var ErrNoMatch = errors.New("store: no record matches filter")

// ErrDuplicateToken is returned when a write would violate the lease token
// uniqueness constraint.
var ErrDuplicateToken = errors.New("store: lease token already in use")

// Record is the queue's sole persisted entity. Payload is opaque to every
// layer above the backend's codec.
type Record struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	VisibleAt   time.Time `json:"visibleAt"`
	LeaseToken  string    `json:"leaseToken,omitempty"`
	Tries       int32     `json:"tries,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Completed reports whether the record has been soft deleted.
func (r *Record) Completed() bool { return !r.CompletedAt.IsZero() }

// Filter selects records. Zero-valued fields impose no constraint.
type Filter struct {
	// ID matches a single record by identifier.
	ID string
	// LeaseToken matches the record currently holding this token.
	LeaseToken string
	// Completed constrains the soft-delete state when non-nil.
	Completed *bool
	// Leased constrains lease-token presence when non-nil.
	Leased *bool
	// VisibleBefore matches records with visible_at <= t (eligible at t).
	VisibleBefore time.Time
	// VisibleAfter matches records with visible_at > t (still hidden at t).
	VisibleAfter time.Time
}

// Matches evaluates the filter against a record. Backends without a native
// query engine use it as the single source of truth for filter semantics.
func (f Filter) Matches(r *Record) bool {
	if f.ID != "" && r.ID != f.ID {
		return false
	}
	if f.LeaseToken != "" && r.LeaseToken != f.LeaseToken {
		return false
	}
	if f.Completed != nil && r.Completed() != *f.Completed {
		return false
	}
	if f.Leased != nil && (r.LeaseToken != "") != *f.Leased {
		return false
	}
	if !f.VisibleBefore.IsZero() && r.VisibleAt.After(f.VisibleBefore) {
		return false
	}
	if !f.VisibleAfter.IsZero() && !r.VisibleAt.After(f.VisibleAfter) {
		return false
	}
	return true
}

// Update describes the mutation half of a conditional read-modify-write.
// Nil pointer fields leave the corresponding column untouched.
type Update struct {
	IncTries       bool
	SetLeaseToken  *string
	SetVisibleAt   *time.Time
	SetCompletedAt *time.Time
}

// Apply mutates a record in place.
func (u Update) Apply(r *Record) {
	if u.IncTries {
		r.Tries++
	}
	if u.SetLeaseToken != nil {
		r.LeaseToken = *u.SetLeaseToken
	}
	if u.SetVisibleAt != nil {
		r.VisibleAt = *u.SetVisibleAt
	}
	if u.SetCompletedAt != nil {
		r.CompletedAt = *u.SetCompletedAt
	}
}

// Sort orders candidates when a filter matches more than one record.
type Sort int

const (
	// SortNone leaves the order unspecified; used when the filter is unique.
	SortNone Sort = iota
	// SortByTriesThenCreation orders by tries ascending, then insertion
	// order ascending. This is the claim fairness policy.
	SortByTriesThenCreation
)

// Store is the narrow contract the lease manager consumes. Implementations
// must make FindOneAndUpdate indivisible: no other caller's mutation may land
// between the match and the update on the selected record.
type Store interface {
	// InsertOne persists a new record and returns its store-assigned ID.
	// The ID field of the argument is ignored.
	InsertOne(ctx context.Context, rec *Record) (string, error)

	// FindOneAndUpdate atomically selects the first record matching filter
	// (in sort order) and applies the update, returning the post-update
	// record. Returns ErrNoMatch when nothing qualifies.
	FindOneAndUpdate(ctx context.Context, f Filter, s Sort, u Update) (*Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, f Filter) (int64, error)

	// DeleteMatching removes every record matching the filter.
	DeleteMatching(ctx context.Context, f Filter) error

	// EnsureIndexes performs one-time backend setup: schemas, index builds,
	// or repair. Idempotent.
	EnsureIndexes(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
