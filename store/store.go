// Package store defines the aggregate persistence interface. The job and
// cron packages each define their own store contract; the composite Store
// composes them. Backends: MongoDB and Memory.
package store

import (
	"context"

	"github.com/xraph/mongojobs/cron"
	"github.com/xraph/mongojobs/job"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem contract.
type Store interface {
	job.Store
	cron.Store

	// Migrate creates collections and indexes.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the store. It does not close
	// connections the caller passed in.
	Close() error
}
