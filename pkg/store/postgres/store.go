package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mistakster/mongodb-queue/pkg/store"
)

// DB wraps a connection pool shared by any number of queues.
type DB struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against the DSN and verifies the connection.
func Connect(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("pgstore: DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the pool.
func (db *DB) Close() error {
	if db != nil && db.pool != nil {
		db.pool.Close()
	}
	return nil
}

// Queue returns the store handle for the named queue. The queue name becomes
// part of the table name, lowercased with anything outside [a-z0-9_] mapped
// to an underscore.
func (db *DB) Queue(name string) *Store {
	return &Store{pool: db.pool, table: "mq_" + sanitize(name)}
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Store implements store.Store over one table.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close() error { return nil }

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

const columns = "seq, payload, created_at, visible_at, lease_token, tries, completed_at"

func scanRecord(row pgx.Row) (*store.Record, error) {
	var (
		seq         int64
		payload     []byte
		createdAt   time.Time
		visibleAt   time.Time
		leaseToken  *string
		tries       int32
		completedAt *time.Time
	)
	if err := row.Scan(&seq, &payload, &createdAt, &visibleAt, &leaseToken, &tries, &completedAt); err != nil {
		return nil, err
	}
	rec := &store.Record{
		ID:        strconv.FormatInt(seq, 10),
		Payload:   payload,
		CreatedAt: createdAt,
		VisibleAt: visibleAt,
		Tries:     tries,
	}
	if leaseToken != nil {
		rec.LeaseToken = *leaseToken
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// InsertOne stores the record; the sequence column supplies the id.
func (s *Store) InsertOne(ctx context.Context, rec *store.Record) (string, error) {
	if rec == nil {
		return "", errors.New("pgstore: nil record")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	visible := rec.VisibleAt
	if visible.IsZero() {
		visible = created
	}
	var token *string
	if rec.LeaseToken != "" {
		token = &rec.LeaseToken
	}
	var completed *time.Time
	if rec.Completed() {
		completed = &rec.CompletedAt
	}

	var seq int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (payload, created_at, visible_at, lease_token, tries, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`, s.ident()),
		rec.Payload, created, visible, token, rec.Tries, completed,
	).Scan(&seq)
	if err != nil {
		if isUniqueViolation(err) {
			return "", store.ErrDuplicateToken
		}
		return "", fmt.Errorf("pgstore: insert: %w", err)
	}
	return strconv.FormatInt(seq, 10), nil
}

// FindOneAndUpdate selects the candidate row with SKIP LOCKED and mutates it
// in the same statement, returning the updated row.
func (s *Store) FindOneAndUpdate(ctx context.Context, f store.Filter, srt store.Sort, u store.Update) (*store.Record, error) {
	where, args, err := buildWhere(f, 1)
	if err != nil {
		return nil, store.ErrNoMatch
	}
	set, args := buildSet(u, args)

	order := "seq ASC"
	if srt == store.SortByTriesThenCreation {
		order = "tries ASC, seq ASC"
	}

	q := fmt.Sprintf(`WITH candidate AS (
			SELECT seq FROM %[1]s
			WHERE %[2]s
			ORDER BY %[3]s
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s t SET %[4]s
		FROM candidate
		WHERE t.seq = candidate.seq
		RETURNING t.seq, t.payload, t.created_at, t.visible_at, t.lease_token, t.tries, t.completed_at`,
		s.ident(), where, order, set)

	rec, err := scanRecord(s.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoMatch
		}
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateToken
		}
		return nil, fmt.Errorf("pgstore: find-and-update: %w", err)
	}
	return rec, nil
}

// Count defers to the server.
func (s *Store) Count(ctx context.Context, f store.Filter) (int64, error) {
	where, args, err := buildWhere(f, 1)
	if err != nil {
		return 0, nil
	}
	var n int64
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", s.ident(), where), args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: count: %w", err)
	}
	return n, nil
}

// DeleteMatching removes every matching row.
func (s *Store) DeleteMatching(ctx context.Context, f store.Filter) error {
	where, args, err := buildWhere(f, 1)
	if err != nil {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", s.ident(), where), args...,
	); err != nil {
		return fmt.Errorf("pgstore: delete: %w", err)
	}
	return nil
}

// EnsureIndexes creates the table, the claim-ordering index and the partial
// unique token index. All statements are IF NOT EXISTS, so reruns are cheap.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			payload BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			visible_at TIMESTAMPTZ NOT NULL,
			lease_token TEXT,
			tries INTEGER NOT NULL DEFAULT 0,
			completed_at TIMESTAMPTZ
		)`, s.ident()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (tries, seq) WHERE completed_at IS NULL`,
			pgx.Identifier{s.table + "_claim"}.Sanitize(), s.ident()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (visible_at) WHERE completed_at IS NULL`,
			pgx.Identifier{s.table + "_visible"}.Sanitize(), s.ident()),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (lease_token)
			WHERE lease_token IS NOT NULL AND completed_at IS NULL`,
			pgx.Identifier{s.table + "_token"}.Sanitize(), s.ident()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: ensure indexes: %w", err)
		}
	}
	return nil
}

// errUnmatchableID marks a filter whose ID can never match a row.
var errUnmatchableID = errors.New("pgstore: unparseable id")

func buildWhere(f store.Filter, argStart int) (string, []interface{}, error) {
	var (
		conds []string
		args  []interface{}
	)
	next := func() string {
		return "$" + strconv.Itoa(argStart+len(args)-1)
	}
	if f.ID != "" {
		seq, err := strconv.ParseInt(f.ID, 10, 64)
		if err != nil {
			return "", nil, errUnmatchableID
		}
		args = append(args, seq)
		conds = append(conds, "seq = "+next())
	}
	if f.LeaseToken != "" {
		args = append(args, f.LeaseToken)
		conds = append(conds, "lease_token = "+next())
	}
	if f.Completed != nil {
		if *f.Completed {
			conds = append(conds, "completed_at IS NOT NULL")
		} else {
			conds = append(conds, "completed_at IS NULL")
		}
	}
	if f.Leased != nil {
		if *f.Leased {
			conds = append(conds, "lease_token IS NOT NULL")
		} else {
			conds = append(conds, "lease_token IS NULL")
		}
	}
	if !f.VisibleBefore.IsZero() {
		args = append(args, f.VisibleBefore)
		conds = append(conds, "visible_at <= "+next())
	}
	if !f.VisibleAfter.IsZero() {
		args = append(args, f.VisibleAfter)
		conds = append(conds, "visible_at > "+next())
	}
	if len(conds) == 0 {
		return "TRUE", args, nil
	}
	return strings.Join(conds, " AND "), args, nil
}

func buildSet(u store.Update, args []interface{}) (string, []interface{}) {
	var sets []string
	next := func() string {
		return "$" + strconv.Itoa(len(args))
	}
	if u.IncTries {
		sets = append(sets, "tries = t.tries + 1")
	}
	if u.SetLeaseToken != nil {
		if *u.SetLeaseToken == "" {
			sets = append(sets, "lease_token = NULL")
		} else {
			args = append(args, *u.SetLeaseToken)
			sets = append(sets, "lease_token = "+next())
		}
	}
	if u.SetVisibleAt != nil {
		args = append(args, *u.SetVisibleAt)
		sets = append(sets, "visible_at = "+next())
	}
	if u.SetCompletedAt != nil {
		args = append(args, *u.SetCompletedAt)
		sets = append(sets, "completed_at = "+next())
	}
	if len(sets) == 0 {
		sets = append(sets, "tries = t.tries")
	}
	return strings.Join(sets, ", "), args
}
