package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/xraph/mongojobs/store"
)

// Collection name constants.
const (
	colJobs      = "mongojobs_jobs"
	colSchedules = "mongojobs_schedules"
)

// Ensure Store implements the composite interface at compile time.
var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store built directly on the
// official driver. Every job operation is a single-document atomic
// command, so any number of worker processes may share one database.
//
// The caller owns the client lifecycle; Store never disconnects it.
type Store struct {
	db        *mongod.Database
	jobs      *mongod.Collection
	schedules *mongod.Collection
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for claims, locks and
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new MongoDB store on db. Call Migrate once to create the
// indexes the store relies on, in particular the unique uniqueKey index.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:        db,
		jobs:      db.Collection(colJobs),
		schedules: db.Collection(colSchedules),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongojobs/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// clock returns the current time truncated to BSON date precision.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return err != nil && mongod.IsDuplicateKeyError(err)
}

// isChangeStreamUnsupported matches the server error returned when change
// streams are requested on a standalone server.
func isChangeStreamUnsupported(err error) bool {
	var se mongod.ServerError
	if errors.As(err, &se) {
		// 40573: "The $changeStream stage is only supported on replica sets".
		return se.HasErrorCode(40573)
	}
	return false
}

// migrationIndexes returns the index definitions for all collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colJobs: {
			// Claim index: queue + lock + due time.
			{Keys: bson.D{
				{Key: "queue", Value: 1},
				{Key: "lockedAt", Value: 1},
				{Key: "nextRunAt", Value: 1},
			}},
			// One job per unique key; jobs without a key are not indexed.
			{
				Keys:    bson.D{{Key: "uniqueKey", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true).SetName("uniqueKey_unique"),
			},
			// Stuck-lock sweep.
			{Keys: bson.D{{Key: "lockedAt", Value: 1}}},
			// Schedule purge.
			{Keys: bson.D{{Key: "scheduleName", Value: 1}}},
			// Failed job lookup by lane.
			{Keys: bson.D{
				{Key: "originalQueue", Value: 1},
				{Key: "failedAt", Value: 1},
			}},
		},
		colSchedules: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
