package cron

import "context"

// Store defines the persistence contract for schedules.
type Store interface {
	// UpsertSchedule inserts or replaces the schedule with the same name and
	// reports whether any stored field changed. On return s carries the
	// stored ID and timestamps.
	UpsertSchedule(ctx context.Context, s *Schedule) (bool, error)

	// GetSchedule retrieves a schedule by name.
	GetSchedule(ctx context.Context, name string) (*Schedule, error)

	// ListSchedules returns all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// DeleteSchedule removes a schedule by name.
	DeleteSchedule(ctx context.Context, name string) error
}
