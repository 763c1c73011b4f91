package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/mistakster/mongodb-queue/pkg/id"
	"github.com/mistakster/mongodb-queue/pkg/store"
)

// Store implements store.Store for one queue inside a shared Pebble DB.
//
// Pebble has no server-side conditional update, but it is an embedded
// single-process store: a store-wide mutex around each read-modify-write,
// committed as one batch, gives the same indivisibility the contract asks
// for. Readers (Count) go straight to the committed state.
type Store struct {
	db   *DB
	name string

	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Name returns the queue name this handle is bound to.
func (s *Store) Name() string { return s.name }

// Close is a no-op; the shared DB owns the Pebble lifecycle.
func (s *Store) Close() error { return nil }

func encodeRecord(rec *store.Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("pebblestore: decode record: %w", err)
	}
	return &rec, nil
}

// InsertOne assigns a sortable id and writes the record blob plus its state
// index entry in one batch.
func (s *Store) InsertOne(ctx context.Context, rec *store.Record) (string, error) {
	if rec == nil {
		return "", errors.New("pebblestore: nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rid := s.db.gen.Next()
	stored := *rec
	stored.ID = rid.String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.VisibleAt.IsZero() {
		stored.VisibleAt = stored.CreatedAt
	}

	if stored.LeaseToken != "" {
		if err := s.checkTokenFree(stored.LeaseToken, rid); err != nil {
			return "", err
		}
	}

	b := s.db.inner.NewBatch()
	defer b.Close()
	data, err := encodeRecord(&stored)
	if err != nil {
		return "", err
	}
	if err := b.Set(recKey(s.name, rid), data, nil); err != nil {
		return "", err
	}
	s.stateAdd(b, &stored, rid, stored.CreatedAt)
	if err := s.db.commit(b); err != nil {
		return "", err
	}
	return stored.ID, nil
}

// FindOneAndUpdate implements the conditional read-modify-write. Lookups by
// id or token resolve directly; eligibility claims go through the ready
// index; anything else falls back to a creation-order scan.
func (s *Store) FindOneAndUpdate(ctx context.Context, f store.Filter, sort store.Sort, u store.Update) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID != "" || f.LeaseToken != "" {
		return s.updateUnique(f, u)
	}
	if sort == store.SortByTriesThenCreation && isEligibilityFilter(f) {
		return s.claimNext(f, u)
	}
	return s.updateScan(f, sort, u)
}

// isEligibilityFilter reports whether f is the claim shape: not completed,
// visible at or before a point in time, nothing else.
func isEligibilityFilter(f store.Filter) bool {
	return f.Completed != nil && !*f.Completed &&
		!f.VisibleBefore.IsZero() && f.VisibleAfter.IsZero() && f.Leased == nil
}

func (s *Store) updateUnique(f store.Filter, u store.Update) (*store.Record, error) {
	var rid id.ID
	switch {
	case f.LeaseToken != "":
		val, err := s.db.get(tokKey(s.name, f.LeaseToken))
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				return nil, store.ErrNoMatch
			}
			return nil, err
		}
		got, ok := idFromIndexKey(val)
		if !ok {
			return nil, store.ErrNoMatch
		}
		rid = got
		if f.ID != "" && f.ID != rid.String() {
			return nil, store.ErrNoMatch
		}
	default:
		parsed, err := id.Parse(f.ID)
		if err != nil {
			return nil, store.ErrNoMatch
		}
		rid = parsed
	}

	rec, err := s.loadRecord(rid)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrNoMatch
		}
		return nil, err
	}
	if !f.Matches(rec) {
		return nil, store.ErrNoMatch
	}
	return s.applyUpdate(rec, rid, u, referenceTime(f))
}

// claimNext promotes due visibility-index entries, then pops the lowest
// (tries, insertion) ready entry and mutates it, all under the store mutex.
func (s *Store) claimNext(f store.Filter, u store.Update) (*store.Record, error) {
	now := f.VisibleBefore
	if err := s.promoteDue(now); err != nil {
		return nil, err
	}

	prefix := readyPrefix(s.name)
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		rid, valid := idFromIndexKey(iter.Key())
		if !valid {
			continue
		}
		rec, err := s.loadRecord(rid)
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				// Stale index entry; drop it and keep scanning.
				_ = s.db.inner.Delete(append([]byte(nil), iter.Key()...), pebble.NoSync)
				continue
			}
			return nil, err
		}
		if !f.Matches(rec) {
			// Self-heal misplaced entries: a completed record loses its
			// index entries, a not-yet-visible one moves back to vis/.
			b := s.db.inner.NewBatch()
			_ = b.Delete(append([]byte(nil), iter.Key()...), nil)
			s.stateDelete(b, rec, rid)
			s.stateAdd(b, rec, rid, now)
			if err := s.db.commit(b); err != nil {
				return nil, err
			}
			continue
		}
		return s.applyUpdate(rec, rid, u, now)
	}
	return nil, store.ErrNoMatch
}

// updateScan is the slow generic path: walk records in creation order and
// update the first (or best-sorted) match.
func (s *Store) updateScan(f store.Filter, sort store.Sort, u store.Update) (*store.Record, error) {
	prefix := recPrefix(s.name)
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var best *store.Record
	var bestID id.ID
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		if !f.Matches(rec) {
			continue
		}
		rid, valid := idFromIndexKey(iter.Key())
		if !valid {
			continue
		}
		if sort != store.SortByTriesThenCreation {
			return s.applyUpdate(rec, rid, u, referenceTime(f))
		}
		if best == nil || rec.Tries < best.Tries {
			best, bestID = rec, rid
		}
	}
	if best == nil {
		return nil, store.ErrNoMatch
	}
	return s.applyUpdate(best, bestID, u, referenceTime(f))
}

// applyUpdate rewrites the record and swaps its index entries in one batch.
func (s *Store) applyUpdate(rec *store.Record, rid id.ID, u store.Update, now time.Time) (*store.Record, error) {
	if u.SetLeaseToken != nil && *u.SetLeaseToken != "" {
		if err := s.checkTokenFree(*u.SetLeaseToken, rid); err != nil {
			return nil, err
		}
	}

	b := s.db.inner.NewBatch()
	defer b.Close()

	s.stateDelete(b, rec, rid)
	updated := *rec
	u.Apply(&updated)
	data, err := encodeRecord(&updated)
	if err != nil {
		return nil, err
	}
	if err := b.Set(recKey(s.name, rid), data, nil); err != nil {
		return nil, err
	}
	s.stateAdd(b, &updated, rid, now)
	if err := s.db.commit(b); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Count scans record blobs and evaluates the filter in memory. Counts are
// read-only and eventually consistent with concurrent writers.
func (s *Store) Count(ctx context.Context, f store.Filter) (int64, error) {
	prefix := recPrefix(s.name)
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n int64
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		if f.Matches(rec) {
			n++
		}
	}
	return n, nil
}

// DeleteMatching removes matching records and their index entries.
func (s *Store) DeleteMatching(ctx context.Context, f store.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := recPrefix(s.name)
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := s.db.inner.NewBatch()
	defer b.Close()
	deleted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		if !f.Matches(rec) {
			continue
		}
		rid, valid := idFromIndexKey(iter.Key())
		if !valid {
			continue
		}
		if err := b.Delete(recKey(s.name, rid), nil); err != nil {
			return err
		}
		s.stateDelete(b, rec, rid)
		deleted++
	}
	if deleted == 0 {
		return nil
	}
	return s.db.commit(b)
}

// EnsureIndexes rebuilds every index entry from the record blobs. Running it
// is only needed once per queue, or to repair after an interrupted history.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.inner.NewBatch()
	defer b.Close()
	for _, p := range [][]byte{readyPrefix(s.name), visPrefix(s.name), tokPrefix(s.name)} {
		if err := b.DeleteRange(p, upperBound(p), nil); err != nil {
			return err
		}
	}

	prefix := recPrefix(s.name)
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	now := time.Now()
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		rid, valid := idFromIndexKey(iter.Key())
		if !valid {
			continue
		}
		s.stateAdd(b, rec, rid, now)
	}
	return s.db.commit(b)
}

// promoteDue moves visibility-index entries whose deadline has passed into
// the ready index. This is where delayed messages come due and where expired
// leases silently return to availability.
func (s *Store) promoteDue(now time.Time) error {
	nowMs := uint64(now.UnixMilli())
	prefix := visPrefix(s.name)
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := s.db.inner.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) < len(prefix)+8+16 {
			continue
		}
		due := binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])
		if due > nowMs {
			break
		}
		rid, valid := idFromIndexKey(key)
		if !valid {
			continue
		}
		tries := uint32(0)
		if v := iter.Value(); len(v) >= 4 {
			tries = binary.BigEndian.Uint32(v[:4])
		}
		if err := b.Delete(append([]byte(nil), key...), nil); err != nil {
			return err
		}
		if err := b.Set(readyKey(s.name, tries, rid), nil, nil); err != nil {
			return err
		}
		promoted++
	}
	if promoted == 0 {
		return nil
	}
	return s.db.commit(b)
}

// stateAdd writes the index entries for a record's current state. now decides
// which side of the ready/vis split the record lands on.
func (s *Store) stateAdd(b *pebble.Batch, rec *store.Record, rid id.ID, now time.Time) {
	if rec.Completed() {
		return
	}
	if rec.VisibleAt.After(now) {
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], uint32(rec.Tries))
		_ = b.Set(visKey(s.name, uint64(rec.VisibleAt.UnixMilli()), rid), v[:], nil)
	} else {
		_ = b.Set(readyKey(s.name, uint32(rec.Tries), rid), nil, nil)
	}
	if rec.LeaseToken != "" {
		_ = b.Set(tokKey(s.name, rec.LeaseToken), rid.Bytes(), nil)
	}
}

// stateDelete removes every index entry the record could own in its current
// state. Deleting an absent key is a no-op, so both sides are cleared.
func (s *Store) stateDelete(b *pebble.Batch, rec *store.Record, rid id.ID) {
	_ = b.Delete(readyKey(s.name, uint32(rec.Tries), rid), nil)
	_ = b.Delete(visKey(s.name, uint64(rec.VisibleAt.UnixMilli()), rid), nil)
	if rec.LeaseToken != "" {
		_ = b.Delete(tokKey(s.name, rec.LeaseToken), nil)
	}
}

// checkTokenFree enforces the sparse uniqueness constraint on lease tokens.
func (s *Store) checkTokenFree(token string, rid id.ID) error {
	val, err := s.db.get(tokKey(s.name, token))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil
		}
		return err
	}
	if owner, ok := idFromIndexKey(val); ok && owner == rid {
		return nil
	}
	return store.ErrDuplicateToken
}

func (s *Store) loadRecord(rid id.ID) (*store.Record, error) {
	data, err := s.db.get(recKey(s.name, rid))
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// referenceTime picks the point in time an update's index placement should be
// judged against, preferring the caller-supplied filter times.
func referenceTime(f store.Filter) time.Time {
	if !f.VisibleAfter.IsZero() {
		return f.VisibleAfter
	}
	if !f.VisibleBefore.IsZero() {
		return f.VisibleBefore
	}
	return time.Now()
}
