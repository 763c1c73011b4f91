package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mistakster/mongodb-queue/pkg/store"
)

// DB wraps a MongoDB database shared by any number of queues. Each queue is
// its own collection.
type DB struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB and binds to the named database.
func Connect(ctx context.Context, uri, database string) (*DB, error) {
	if uri == "" {
		return nil, errors.New("mongostore: connection URI is required")
	}
	if database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return &DB{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (db *DB) Close() error {
	if db == nil || db.client == nil {
		return nil
	}
	return db.client.Disconnect(context.Background())
}

// Queue returns the store handle for the named queue.
func (db *DB) Queue(name string) *Store {
	return &Store{coll: db.db.Collection(name)}
}

// Store implements store.Store over one collection.
type Store struct {
	coll *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an existing collection. Useful when the caller manages the
// client lifecycle itself.
func NewStore(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

// document is the BSON shape of a record. Zero times and empty tokens are
// omitted entirely so $exists filters and the sparse token index behave.
type document struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Payload     []byte             `bson:"payload,omitempty"`
	CreatedAt   time.Time          `bson:"createdAt"`
	VisibleAt   time.Time          `bson:"visibleAt"`
	LeaseToken  string             `bson:"leaseToken,omitempty"`
	Tries       int32              `bson:"tries"`
	CompletedAt time.Time          `bson:"completedAt,omitempty"`
}

func (d *document) record() *store.Record {
	return &store.Record{
		ID:          d.ID.Hex(),
		Payload:     d.Payload,
		CreatedAt:   d.CreatedAt,
		VisibleAt:   d.VisibleAt,
		LeaseToken:  d.LeaseToken,
		Tries:       d.Tries,
		CompletedAt: d.CompletedAt,
	}
}

func (s *Store) Close() error { return nil }

// InsertOne stores a record keyed by a fresh ObjectID, which preserves
// insertion order under the default _id sort.
func (s *Store) InsertOne(ctx context.Context, rec *store.Record) (string, error) {
	if rec == nil {
		return "", errors.New("mongostore: nil record")
	}
	doc := document{
		ID:          primitive.NewObjectID(),
		Payload:     rec.Payload,
		CreatedAt:   rec.CreatedAt,
		VisibleAt:   rec.VisibleAt,
		LeaseToken:  rec.LeaseToken,
		Tries:       rec.Tries,
		CompletedAt: rec.CompletedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.VisibleAt.IsZero() {
		doc.VisibleAt = doc.CreatedAt
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", store.ErrDuplicateToken
		}
		return "", fmt.Errorf("mongostore: insert: %w", err)
	}
	return doc.ID.Hex(), nil
}

// FindOneAndUpdate delegates the whole conditional read-modify-write to the
// server in a single command.
func (s *Store) FindOneAndUpdate(ctx context.Context, f store.Filter, sort store.Sort, u store.Update) (*store.Record, error) {
	filter, err := buildFilter(f)
	if errors.Is(err, errUnmatchableID) {
		return nil, store.ErrNoMatch
	}
	if err != nil {
		return nil, err
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if sort == store.SortByTriesThenCreation {
		opts.SetSort(bson.D{{Key: "tries", Value: 1}, {Key: "_id", Value: 1}})
	}

	var doc document
	err = s.coll.FindOneAndUpdate(ctx, filter, buildUpdate(u), opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNoMatch
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateToken
		}
		return nil, fmt.Errorf("mongostore: find-and-update: %w", err)
	}
	return doc.record(), nil
}

// Count defers to the server.
func (s *Store) Count(ctx context.Context, f store.Filter) (int64, error) {
	filter, err := buildFilter(f)
	if errors.Is(err, errUnmatchableID) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongostore: count: %w", err)
	}
	return n, nil
}

// DeleteMatching removes every matching document.
func (s *Store) DeleteMatching(ctx context.Context, f store.Filter) error {
	filter, err := buildFilter(f)
	if errors.Is(err, errUnmatchableID) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.coll.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongostore: delete: %w", err)
	}
	return nil
}

// EnsureIndexes builds the two indexes the queue depends on: the claim sort
// path and the sparse unique token constraint. Index builds are idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "completedAt", Value: 1}, {Key: "visibleAt", Value: 1}, {Key: "tries", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "leaseToken", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create indexes: %w", err)
	}
	return nil
}

// errUnmatchableID marks a filter whose ID can never match any document.
var errUnmatchableID = errors.New("mongostore: unparseable id")

func buildFilter(f store.Filter) (bson.M, error) {
	filter := bson.M{}
	if f.ID != "" {
		oid, err := primitive.ObjectIDFromHex(f.ID)
		if err != nil {
			return nil, errUnmatchableID
		}
		filter["_id"] = oid
	}
	if f.LeaseToken != "" {
		filter["leaseToken"] = f.LeaseToken
	}
	if f.Completed != nil {
		filter["completedAt"] = bson.M{"$exists": *f.Completed}
	}
	if f.Leased != nil {
		filter["leaseToken"] = bson.M{"$exists": *f.Leased}
	}
	vis := bson.M{}
	if !f.VisibleBefore.IsZero() {
		vis["$lte"] = f.VisibleBefore
	}
	if !f.VisibleAfter.IsZero() {
		vis["$gt"] = f.VisibleAfter
	}
	if len(vis) > 0 {
		filter["visibleAt"] = vis
	}
	return filter, nil
}

func buildUpdate(u store.Update) bson.M {
	set := bson.M{}
	unset := bson.M{}
	if u.SetLeaseToken != nil {
		if *u.SetLeaseToken == "" {
			unset["leaseToken"] = ""
		} else {
			set["leaseToken"] = *u.SetLeaseToken
		}
	}
	if u.SetVisibleAt != nil {
		set["visibleAt"] = *u.SetVisibleAt
	}
	if u.SetCompletedAt != nil {
		set["completedAt"] = *u.SetCompletedAt
		// The token leaves the sparse unique index so finished messages never
		// block a fresh lease from using the same value.
		unset["leaseToken"] = ""
	}

	update := bson.M{}
	if u.IncTries {
		update["$inc"] = bson.M{"tries": 1}
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(update) == 0 {
		// FindOneAndUpdate refuses an empty update; a zero $inc is a no-op.
		update["$inc"] = bson.M{"tries": 0}
	}
	return update
}
