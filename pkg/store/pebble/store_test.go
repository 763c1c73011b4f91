package pebblestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakster/mongodb-queue/pkg/store"
	pebblestore "github.com/mistakster/mongodb-queue/pkg/store/pebble"
)

func openTestDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	return db
}

func insert(t *testing.T, s store.Store, rec *store.Record) string {
	t.Helper()
	id, err := s.InsertOne(context.Background(), rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func ptrTime(tm time.Time) *time.Time { return &tm }
func ptrStr(s string) *string         { return &s }
func ptrBool(b bool) *bool            { return &b }

func TestInsertAssignsSortedIDs(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")

	prev := ""
	for i := 0; i < 100; i++ {
		id := insert(t, s, &store.Record{Payload: []byte("x")})
		if id <= prev {
			t.Fatalf("id %q not greater than previous %q", id, prev)
		}
		prev = id
	}
}

func TestInsertDefaultsVisibility(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")
	ctx := context.Background()

	id := insert(t, s, &store.Record{Payload: []byte("x")})

	rec, err := s.FindOneAndUpdate(ctx, store.Filter{ID: id}, store.SortNone, store.Update{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.CreatedAt.IsZero() || rec.VisibleAt.IsZero() {
		t.Fatalf("timestamps not defaulted: %+v", rec)
	}
	if !rec.VisibleAt.Equal(rec.CreatedAt) {
		t.Fatalf("visible_at %v, want created_at %v", rec.VisibleAt, rec.CreatedAt)
	}
}

func TestFindOneAndUpdateByToken(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")
	ctx := context.Background()

	now := time.Now()
	id := insert(t, s, &store.Record{
		Payload:    []byte("x"),
		CreatedAt:  now,
		VisibleAt:  now.Add(time.Minute),
		LeaseToken: "tok-1",
		Tries:      1,
	})

	later := now.Add(2 * time.Minute)
	rec, err := s.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: "tok-1", Completed: ptrBool(false), VisibleAfter: now},
		store.SortNone,
		store.Update{SetVisibleAt: ptrTime(later)},
	)
	if err != nil {
		t.Fatalf("update by token: %v", err)
	}
	if rec.ID != id {
		t.Fatalf("updated id %q, want %q", rec.ID, id)
	}
	if !rec.VisibleAt.Equal(later) {
		t.Fatalf("visible_at %v, want %v", rec.VisibleAt, later)
	}

	if _, err := s.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: "tok-missing"},
		store.SortNone, store.Update{},
	); !errors.Is(err, store.ErrNoMatch) {
		t.Fatalf("unknown token: got %v, want ErrNoMatch", err)
	}
}

func TestClaimPathOrdersByTriesThenID(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")
	ctx := context.Background()

	now := time.Now()
	// Two messages with one retry already, one fresh message inserted last.
	retried1 := insert(t, s, &store.Record{Payload: []byte("r1"), CreatedAt: now, VisibleAt: now, Tries: 1})
	retried2 := insert(t, s, &store.Record{Payload: []byte("r2"), CreatedAt: now, VisibleAt: now, Tries: 1})
	fresh := insert(t, s, &store.Record{Payload: []byte("f"), CreatedAt: now, VisibleAt: now})

	claim := func(token string) *store.Record {
		t.Helper()
		hide := now.Add(time.Minute)
		rec, err := s.FindOneAndUpdate(ctx,
			store.Filter{Completed: ptrBool(false), VisibleBefore: now},
			store.SortByTriesThenCreation,
			store.Update{IncTries: true, SetLeaseToken: ptrStr(token), SetVisibleAt: ptrTime(hide)},
		)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		return rec
	}

	for i, want := range []string{fresh, retried1, retried2} {
		got := claim("t" + string(rune('0'+i)))
		if got.ID != want {
			t.Fatalf("claim %d got %q, want %q", i, got.ID, want)
		}
	}

	if _, err := s.FindOneAndUpdate(ctx,
		store.Filter{Completed: ptrBool(false), VisibleBefore: now},
		store.SortByTriesThenCreation, store.Update{},
	); !errors.Is(err, store.ErrNoMatch) {
		t.Fatalf("drained queue: got %v, want ErrNoMatch", err)
	}
}

func TestTokenUniqueness(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")
	ctx := context.Background()

	now := time.Now()
	insert(t, s, &store.Record{Payload: []byte("a"), CreatedAt: now, VisibleAt: now.Add(time.Minute), LeaseToken: "dup"})

	// Inserting a second record with an active duplicate token fails.
	if _, err := s.InsertOne(ctx, &store.Record{
		Payload: []byte("b"), CreatedAt: now, VisibleAt: now.Add(time.Minute), LeaseToken: "dup",
	}); !errors.Is(err, store.ErrDuplicateToken) {
		t.Fatalf("duplicate token insert: got %v, want ErrDuplicateToken", err)
	}

	// Updating another record to the same token fails too.
	otherID := insert(t, s, &store.Record{Payload: []byte("c"), CreatedAt: now, VisibleAt: now})
	if _, err := s.FindOneAndUpdate(ctx,
		store.Filter{ID: otherID},
		store.SortNone,
		store.Update{SetLeaseToken: ptrStr("dup")},
	); !errors.Is(err, store.ErrDuplicateToken) {
		t.Fatalf("duplicate token update: got %v, want ErrDuplicateToken", err)
	}
}

func TestTokenFreedByCompletion(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")
	ctx := context.Background()

	now := time.Now()
	insert(t, s, &store.Record{Payload: []byte("a"), CreatedAt: now, VisibleAt: now.Add(time.Minute), LeaseToken: "reuse"})

	// Complete the holder; the token leaves the uniqueness domain.
	if _, err := s.FindOneAndUpdate(ctx,
		store.Filter{LeaseToken: "reuse"},
		store.SortNone,
		store.Update{SetCompletedAt: ptrTime(now)},
	); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := s.InsertOne(ctx, &store.Record{
		Payload: []byte("b"), CreatedAt: now, VisibleAt: now.Add(time.Minute), LeaseToken: "reuse",
	}); err != nil {
		t.Fatalf("reusing token of completed record: %v", err)
	}
}

func TestCountAndDeleteMatching(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")
	ctx := context.Background()

	now := time.Now()
	insert(t, s, &store.Record{Payload: []byte("live"), CreatedAt: now, VisibleAt: now})
	insert(t, s, &store.Record{Payload: []byte("done1"), CreatedAt: now, VisibleAt: now, CompletedAt: now})
	insert(t, s, &store.Record{Payload: []byte("done2"), CreatedAt: now, VisibleAt: now, CompletedAt: now})

	if n, err := s.Count(ctx, store.Filter{}); err != nil || n != 3 {
		t.Fatalf("count all = %d (%v), want 3", n, err)
	}
	if n, err := s.Count(ctx, store.Filter{Completed: ptrBool(true)}); err != nil || n != 2 {
		t.Fatalf("count completed = %d (%v), want 2", n, err)
	}

	if err := s.DeleteMatching(ctx, store.Filter{Completed: ptrBool(true)}); err != nil {
		t.Fatalf("delete completed: %v", err)
	}
	if n, err := s.Count(ctx, store.Filter{}); err != nil || n != 1 {
		t.Fatalf("count after delete = %d (%v), want 1", n, err)
	}
	// Deleting again matches nothing and is a no-op.
	if err := s.DeleteMatching(ctx, store.Filter{Completed: ptrBool(true)}); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestEnsureIndexesRebuilds(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	s := db.Queue("q")
	ctx := context.Background()

	now := time.Now()
	id := insert(t, s, &store.Record{Payload: []byte("x"), CreatedAt: now, VisibleAt: now})

	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	// The record is still claimable through the rebuilt index.
	hide := now.Add(time.Minute)
	rec, err := s.FindOneAndUpdate(ctx,
		store.Filter{Completed: ptrBool(false), VisibleBefore: time.Now()},
		store.SortByTriesThenCreation,
		store.Update{IncTries: true, SetLeaseToken: ptrStr("t"), SetVisibleAt: ptrTime(hide)},
	)
	if err != nil {
		t.Fatalf("claim after rebuild: %v", err)
	}
	if rec.ID != id {
		t.Fatalf("claimed %q, want %q", rec.ID, id)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now()

	db := openTestDB(t, dir)
	id := insert(t, db.Queue("q"), &store.Record{Payload: []byte("durable"), CreatedAt: now, VisibleAt: now})
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := openTestDB(t, dir)
	defer db2.Close()
	rec, err := db2.Queue("q").FindOneAndUpdate(ctx, store.Filter{ID: id}, store.SortNone, store.Update{})
	if err != nil {
		t.Fatalf("find after reopen: %v", err)
	}
	if string(rec.Payload) != "durable" {
		t.Fatalf("payload %q, want %q", rec.Payload, "durable")
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	insert(t, db.Queue("a"), &store.Record{Payload: []byte("in a")})

	if n, err := db.Queue("b").Count(ctx, store.Filter{}); err != nil || n != 0 {
		t.Fatalf("queue b count = %d (%v), want 0", n, err)
	}
	if n, err := db.Queue("a").Count(ctx, store.Filter{}); err != nil || n != 1 {
		t.Fatalf("queue a count = %d (%v), want 1", n, err)
	}
}
