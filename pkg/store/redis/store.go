package redisstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mistakster/mongodb-queue/pkg/store"
)

//go:embed scripts/insert.lua
var insertSrc string

//go:embed scripts/claim.lua
var claimSrc string

//go:embed scripts/update_one.lua
var updateOneSrc string

//go:embed scripts/rebuild.lua
var rebuildSrc string

var (
	insertScript    = redis.NewScript(insertSrc)
	claimScript     = redis.NewScript(claimSrc)
	updateOneScript = redis.NewScript(updateOneSrc)
	rebuildScript   = redis.NewScript(rebuildSrc)
)

// DB wraps a Redis client shared by any number of queues.
type DB struct {
	rdb *redis.Client
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, opts *redis.Options) (*DB, error) {
	if opts == nil {
		return nil, errors.New("redisstore: options are required")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return &DB{rdb: rdb}, nil
}

// Close closes the client.
func (db *DB) Close() error {
	if db == nil || db.rdb == nil {
		return nil
	}
	return db.rdb.Close()
}

// Queue returns the store handle for the named queue.
func (db *DB) Queue(name string) *Store {
	return &Store{rdb: db.rdb, name: name}
}

// Store implements store.Store over one queue's key group.
type Store struct {
	rdb  *redis.Client
	name string
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close() error { return nil }

// keys returns the rec hash, ready zset, vis zset and tok hash, in the order
// every script expects.
func (s *Store) keys() []string {
	base := "mq:" + s.name + ":"
	return []string{base + "rec", base + "ready", base + "vis", base + "tok"}
}

func (s *Store) seqKey() string { return "mq:" + s.name + ":seq" }

// doc is the JSON shape of a record inside Redis. Times are unix millis so
// the scripts can compare them; zero values are omitted so Lua sees nil.
type doc struct {
	ID          string `json:"id,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	CreatedAt   int64  `json:"createdAtMs"`
	VisibleAt   int64  `json:"visibleAtMs"`
	LeaseToken  string `json:"leaseToken,omitempty"`
	Tries       int32  `json:"tries"`
	CompletedAt int64  `json:"completedAtMs,omitempty"`
}

func (d *doc) record() *store.Record {
	rec := &store.Record{
		ID:         d.ID,
		Payload:    d.Payload,
		CreatedAt:  time.UnixMilli(d.CreatedAt),
		VisibleAt:  time.UnixMilli(d.VisibleAt),
		LeaseToken: d.LeaseToken,
		Tries:      d.Tries,
	}
	if d.CompletedAt != 0 {
		rec.CompletedAt = time.UnixMilli(d.CompletedAt)
	}
	return rec
}

func decodeDoc(raw string) (*doc, error) {
	var d doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("redisstore: decode record: %w", err)
	}
	return &d, nil
}

func isDupTokenErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "DUPTOKEN")
}

// InsertOne stores the record and returns its sequence-assigned id.
func (s *Store) InsertOne(ctx context.Context, rec *store.Record) (string, error) {
	if rec == nil {
		return "", errors.New("redisstore: nil record")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	visible := rec.VisibleAt
	if visible.IsZero() {
		visible = created
	}
	d := doc{
		Payload:    rec.Payload,
		CreatedAt:  created.UnixMilli(),
		VisibleAt:  visible.UnixMilli(),
		LeaseToken: rec.LeaseToken,
		Tries:      rec.Tries,
	}
	if rec.Completed() {
		d.CompletedAt = rec.CompletedAt.UnixMilli()
	}
	body, err := json.Marshal(&d)
	if err != nil {
		return "", err
	}

	keys := append(s.keys(), s.seqKey())
	res, err := insertScript.Run(ctx, s.rdb, keys, string(body), created.UnixMilli()).Result()
	if err != nil {
		if isDupTokenErr(err) {
			return "", store.ErrDuplicateToken
		}
		return "", fmt.Errorf("redisstore: insert: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("redisstore: insert returned %T", res)
	}
	return id, nil
}

// FindOneAndUpdate routes to the matching script: unique lookups and claims
// are each a single atomic script call; anything else scans client-side and
// re-verifies the filter inside the script.
func (s *Store) FindOneAndUpdate(ctx context.Context, f store.Filter, srt store.Sort, u store.Update) (*store.Record, error) {
	switch {
	case f.LeaseToken != "":
		return s.updateOne(ctx, "token", f.LeaseToken, f, u)
	case f.ID != "":
		return s.updateOne(ctx, "id", f.ID, f, u)
	case srt == store.SortByTriesThenCreation && isEligibilityFilter(f):
		return s.claim(ctx, f.VisibleBefore, u)
	default:
		return s.updateScan(ctx, f, srt, u)
	}
}

func isEligibilityFilter(f store.Filter) bool {
	return f.Completed != nil && !*f.Completed &&
		!f.VisibleBefore.IsZero() && f.VisibleAfter.IsZero() && f.Leased == nil
}

func (s *Store) claim(ctx context.Context, now time.Time, u store.Update) (*store.Record, error) {
	if u.SetLeaseToken == nil || u.SetVisibleAt == nil {
		return nil, errors.New("redisstore: claim update must set a lease token and visibility")
	}
	res, err := claimScript.Run(ctx, s.rdb, s.keys(),
		now.UnixMilli(), u.SetVisibleAt.UnixMilli(), *u.SetLeaseToken,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNoMatch
	}
	if err != nil {
		if isDupTokenErr(err) {
			return nil, store.ErrDuplicateToken
		}
		return nil, fmt.Errorf("redisstore: claim: %w", err)
	}
	return decodeResult(res)
}

func (s *Store) updateOne(ctx context.Context, mode, key string, f store.Filter, u store.Update) (*store.Record, error) {
	args := make([]interface{}, 0, 10)
	args = append(args, mode, key, referenceTime(f).UnixMilli())
	args = append(args, filterArgs(f)...)
	args = append(args, updateArgs(u)...)

	res, err := updateOneScript.Run(ctx, s.rdb, s.keys(), args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNoMatch
	}
	if err != nil {
		if isDupTokenErr(err) {
			return nil, store.ErrDuplicateToken
		}
		return nil, fmt.Errorf("redisstore: update: %w", err)
	}
	rec, err := decodeResult(res)
	if err != nil {
		return nil, err
	}
	if mode == "id" && f.ID != "" && rec.ID != f.ID {
		return nil, store.ErrNoMatch
	}
	return rec, nil
}

// updateScan handles filters with no unique key: pick candidates client-side
// in sort order, then let the script re-verify and mutate atomically. A
// candidate mutated by someone else in between simply fails its re-check and
// the next one is tried.
func (s *Store) updateScan(ctx context.Context, f store.Filter, srt store.Sort, u store.Update) (*store.Record, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []*doc
	for _, d := range docs {
		if f.Matches(d.record()) {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if srt == store.SortByTriesThenCreation && a.Tries != b.Tries {
			return a.Tries < b.Tries
		}
		return seqOf(a.ID) < seqOf(b.ID)
	})

	for _, d := range candidates {
		rec, err := s.updateOne(ctx, "id", d.ID, f, u)
		if errors.Is(err, store.ErrNoMatch) {
			continue
		}
		return rec, err
	}
	return nil, store.ErrNoMatch
}

// Count loads the record hash and evaluates the filter client-side.
func (s *Store) Count(ctx context.Context, f store.Filter) (int64, error) {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, d := range docs {
		if f.Matches(d.record()) {
			n++
		}
	}
	return n, nil
}

// DeleteMatching removes matching records and their index entries.
func (s *Store) DeleteMatching(ctx context.Context, f store.Filter) error {
	docs, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	keys := s.keys()
	pipe := s.rdb.TxPipeline()
	deleted := 0
	for _, d := range docs {
		if !f.Matches(d.record()) {
			continue
		}
		pipe.HDel(ctx, keys[0], d.ID)
		pipe.ZRem(ctx, keys[1], d.ID)
		pipe.ZRem(ctx, keys[2], d.ID)
		if d.LeaseToken != "" {
			pipe.HDel(ctx, keys[3], d.LeaseToken)
		}
		deleted++
	}
	if deleted == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	return nil
}

// EnsureIndexes rebuilds the ready, visibility and token structures from the
// record hash.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if err := rebuildScript.Run(ctx, s.rdb, s.keys(), time.Now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redisstore: rebuild indexes: %w", err)
	}
	return nil
}

func (s *Store) loadAll(ctx context.Context) ([]*doc, error) {
	vals, err := s.rdb.HVals(ctx, s.keys()[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load records: %w", err)
	}
	docs := make([]*doc, 0, len(vals))
	for _, raw := range vals {
		d, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func decodeResult(res interface{}) (*store.Record, error) {
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("redisstore: script returned %T", res)
	}
	d, err := decodeDoc(raw)
	if err != nil {
		return nil, err
	}
	return d.record(), nil
}

func filterArgs(f store.Filter) []interface{} {
	completed := ""
	if f.Completed != nil {
		if *f.Completed {
			completed = "1"
		} else {
			completed = "0"
		}
	}
	after, before := "", ""
	if !f.VisibleAfter.IsZero() {
		after = strconv.FormatInt(f.VisibleAfter.UnixMilli(), 10)
	}
	if !f.VisibleBefore.IsZero() {
		before = strconv.FormatInt(f.VisibleBefore.UnixMilli(), 10)
	}
	return []interface{}{completed, after, before}
}

func updateArgs(u store.Update) []interface{} {
	inc := "0"
	if u.IncTries {
		inc = "1"
	}
	token := ""
	if u.SetLeaseToken != nil {
		token = *u.SetLeaseToken
	}
	visible, completed := "", ""
	if u.SetVisibleAt != nil {
		visible = strconv.FormatInt(u.SetVisibleAt.UnixMilli(), 10)
	}
	if u.SetCompletedAt != nil {
		completed = strconv.FormatInt(u.SetCompletedAt.UnixMilli(), 10)
	}
	return []interface{}{inc, token, visible, completed}
}

func seqOf(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

// referenceTime picks the point in time an update's index placement is judged
// against, preferring caller-supplied filter times.
func referenceTime(f store.Filter) time.Time {
	if !f.VisibleAfter.IsZero() {
		return f.VisibleAfter
	}
	if !f.VisibleBefore.IsZero() {
		return f.VisibleBefore
	}
	return time.Now()
}
