package cron

import (
	"bytes"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// Schedule is a named recurring job definition. It is chained forward one
// occurrence at a time: each fired job inserts the next.
type Schedule struct {
	mongojobs.Entity

	ID             id.ScheduleID `json:"id"`
	Name           string        `json:"name"`
	CronExpression string        `json:"cron_expression"`
	TimeZone       string        `json:"time_zone"`
	HandlerName    string        `json:"handler_name"`
	Queue          string        `json:"queue"`
	Data           []byte        `json:"data,omitempty"`
}

// SameDefinition reports whether two schedules would produce identical
// jobs. Identity and timestamps are ignored.
func (s *Schedule) SameDefinition(o *Schedule) bool {
	return s.Name == o.Name &&
		s.CronExpression == o.CronExpression &&
		s.TimeZone == o.TimeZone &&
		s.HandlerName == o.HandlerName &&
		s.Queue == o.Queue &&
		bytes.Equal(s.Data, o.Data)
}

// Registration describes a schedule to create or update.
type Registration struct {
	// ScheduleName is globally unique.
	ScheduleName string

	// CronExpression is a five-field expression or a descriptor such as
	// "@hourly" or "@every 30s".
	CronExpression string

	// TimeZone is an IANA zone name. Empty means UTC.
	TimeZone string

	HandlerName string
	Queue       string
	Data        []byte

	// Handler, when set, is registered into Group by the engine before the
	// schedule is stored. HandlerName defaults to its name.
	Handler job.Handler

	// Group is the worker group that consumes the schedule's queue. Empty
	// means job.DefaultGroup.
	Group string
}
