package mongostore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	mongostore "github.com/mistakster/mongodb-queue/pkg/store/mongo"

	"github.com/mistakster/mongodb-queue/pkg/store"
)

// Integration tests; they need a reachable MongoDB and are skipped otherwise.
// Run with e.g. MQ_TEST_MONGO_URI=mongodb://localhost:27017 go test ./...

func testStore(t *testing.T) *mongostore.Store {
	t.Helper()
	uri := os.Getenv("MQ_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MQ_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := mongostore.Connect(ctx, uri, "mq_test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := db.Queue(fmt.Sprintf("q_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = s.DeleteMatching(context.Background(), store.Filter{})
	})
	if err := s.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return s
}

func ptrBool(b bool) *bool            { return &b }
func ptrStr(s string) *string         { return &s }
func ptrTime(tm time.Time) *time.Time { return &tm }

func claim(t *testing.T, s *mongostore.Store, now time.Time, token string) (*store.Record, error) {
	t.Helper()
	hide := now.Add(time.Minute)
	return s.FindOneAndUpdate(context.Background(),
		store.Filter{Completed: ptrBool(false), VisibleBefore: now},
		store.SortByTriesThenCreation,
		store.Update{IncTries: true, SetLeaseToken: ptrStr(token), SetVisibleAt: ptrTime(hide)},
	)
}

func TestClaimLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := s.InsertOne(ctx, &store.Record{Payload: []byte("job"), CreatedAt: now, VisibleAt: now})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, err := claim(t, s, now, "tok-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec.ID != id || rec.Tries != 1 || rec.LeaseToken != "tok-1" {
		t.Fatalf("claimed %+v, want id %q tries 1 token tok-1", rec, id)
	}

	// Leased message is hidden from further claims.
	if _, err := claim(t, s, now, "tok-2"); !errors.Is(err, store.ErrNoMatch) {
		t.Fatalf("second claim: got %v, want ErrNoMatch", err)
	}

	// Complete under the token.
	done, err := s.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: "tok-1", Completed: ptrBool(false), VisibleAfter: now},
		store.SortNone,
		store.Update{SetCompletedAt: ptrTime(now)},
	)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.Completed() {
		t.Fatalf("record not completed: %+v", done)
	}

	// The token no longer resolves.
	if _, err := s.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: "tok-1", Completed: ptrBool(false)},
		store.SortNone, store.Update{},
	); !errors.Is(err, store.ErrNoMatch) {
		t.Fatalf("spent token: got %v, want ErrNoMatch", err)
	}
}

func TestClaimOrdersByTriesThenInsertion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	retried, err := s.InsertOne(ctx, &store.Record{Payload: []byte("r"), CreatedAt: now, VisibleAt: now, Tries: 2})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	fresh1, err := s.InsertOne(ctx, &store.Record{Payload: []byte("f1"), CreatedAt: now, VisibleAt: now})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	fresh2, err := s.InsertOne(ctx, &store.Record{Payload: []byte("f2"), CreatedAt: now, VisibleAt: now})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i, want := range []string{fresh1, fresh2, retried} {
		rec, err := claim(t, s, now, fmt.Sprintf("t%d", i))
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if rec.ID != want {
			t.Fatalf("claim %d got %q, want %q", i, rec.ID, want)
		}
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	// A lease that expired a minute ago.
	id, err := s.InsertOne(ctx, &store.Record{
		Payload: []byte("stale"), CreatedAt: now.Add(-time.Hour),
		VisibleAt: now.Add(-time.Minute), LeaseToken: "old-tok", Tries: 1,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, err := claim(t, s, now, "new-tok")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if rec.ID != id || rec.Tries != 2 || rec.LeaseToken != "new-tok" {
		t.Fatalf("reclaimed %+v, want id %q tries 2 token new-tok", rec, id)
	}

	// The lapsed token no longer renews.
	if _, err := s.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: "old-tok", Completed: ptrBool(false), VisibleAfter: now},
		store.SortNone,
		store.Update{SetVisibleAt: ptrTime(now.Add(time.Minute))},
	); !errors.Is(err, store.ErrNoMatch) {
		t.Fatalf("lapsed token renew: got %v, want ErrNoMatch", err)
	}
}

func TestTokenUniqueness(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.InsertOne(ctx, &store.Record{
		Payload: []byte("a"), CreatedAt: now, VisibleAt: now.Add(time.Minute), LeaseToken: "dup",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertOne(ctx, &store.Record{
		Payload: []byte("b"), CreatedAt: now, VisibleAt: now.Add(time.Minute), LeaseToken: "dup",
	}); !errors.Is(err, store.ErrDuplicateToken) {
		t.Fatalf("duplicate insert: got %v, want ErrDuplicateToken", err)
	}

	id, err := s.InsertOne(ctx, &store.Record{Payload: []byte("c"), CreatedAt: now, VisibleAt: now})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.FindOneAndUpdate(ctx,
		store.Filter{ID: id},
		store.SortNone,
		store.Update{SetLeaseToken: ptrStr("dup")},
	); !errors.Is(err, store.ErrDuplicateToken) {
		t.Fatalf("duplicate update: got %v, want ErrDuplicateToken", err)
	}
}

func TestCountsAndPurge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	mustInsert := func(rec *store.Record) {
		t.Helper()
		if _, err := s.InsertOne(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	mustInsert(&store.Record{Payload: []byte("avail"), CreatedAt: now, VisibleAt: now})
	mustInsert(&store.Record{Payload: []byte("leased"), CreatedAt: now, VisibleAt: now.Add(time.Minute), LeaseToken: "t", Tries: 1})
	mustInsert(&store.Record{Payload: []byte("done"), CreatedAt: now, VisibleAt: now, CompletedAt: now})

	count := func(f store.Filter) int64 {
		t.Helper()
		n, err := s.Count(ctx, f)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		return n
	}
	if n := count(store.Filter{}); n != 3 {
		t.Fatalf("total = %d, want 3", n)
	}
	if n := count(store.Filter{Completed: ptrBool(false), VisibleBefore: now}); n != 1 {
		t.Fatalf("available = %d, want 1", n)
	}
	if n := count(store.Filter{Completed: ptrBool(false), Leased: ptrBool(true), VisibleAfter: now}); n != 1 {
		t.Fatalf("in-flight = %d, want 1", n)
	}
	if n := count(store.Filter{Completed: ptrBool(true)}); n != 1 {
		t.Fatalf("done = %d, want 1", n)
	}

	if err := s.DeleteMatching(ctx, store.Filter{Completed: ptrBool(true)}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n := count(store.Filter{}); n != 2 {
		t.Fatalf("total after purge = %d, want 2", n)
	}
}
