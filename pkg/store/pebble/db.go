package pebblestore

import (
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/mistakster/mongodb-queue/pkg/id"
)

// FsyncMode defines durability behavior for committed batches.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by letting Pebble coalesce WAL
	// syncs within the configured interval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble's own policies. Trades
	// durability latency for throughput.
	FsyncModeNever
)

// Options configures the Pebble-backed store.
type Options struct {
	// DataDir is the path to the Pebble database directory. Required.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, sensible defaults apply.
	PebbleOptions *pebble.Options
}

// DB wraps a Pebble database shared by any number of queues. Each queue's
// keys live under their own prefix, so handles never interfere.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	gen       *id.Generator

	mu     sync.Mutex
	queues map[string]*Store
}

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync requested per commit; no group-commit window.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return opts.FsyncInterval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		gen:       id.NewGenerator(),
		queues:    make(map[string]*Store),
	}, nil
}

// Close closes the underlying Pebble database and every queue handle.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// Queue returns the store handle for the named queue, creating it on first
// use. Handles are cached so that all callers of one queue share a single
// serialization point.
func (db *DB) Queue(name string) *Store {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s, ok := db.queues[name]; ok {
		return s
	}
	s := &Store{db: db, name: name}
	db.queues[name] = s
	return s
}

// commit applies the batch with the configured fsync policy.
func (db *DB) commit(b *pebble.Batch) error {
	sync := pebble.NoSync
	if db.writeSync {
		sync = pebble.Sync
	}
	return b.Commit(sync)
}

// get copies the value for a key. Returns pebble.ErrNotFound when absent.
func (db *DB) get(key []byte) ([]byte, error) {
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}
