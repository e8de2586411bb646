package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/mongojobs/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store wraps another store.Store and serves its change feed over Redis
// pub/sub. Writes that make a job claimable are delegated to the wrapped
// store and then announced on the queue's channel.
type Store struct {
	store.Store

	client goredis.UniversalClient
	logger *slog.Logger
}

// New wraps inner. The caller owns the Redis client lifecycle.
func New(inner store.Store, client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{Store: inner, client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Ping verifies both the wrapped store and the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("mongojobs/redis: ping: %w", err)
	}
	return nil
}
