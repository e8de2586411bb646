package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/cron"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// ── Job model ─────────────────────────────────────────────────────

type jobDataModel struct {
	Payload []byte            `bson:"payload,omitempty"`
	Trace   map[string]string `bson:"trace,omitempty"`
}

type uniqueModel struct {
	EnqueuedKey string `bson:"enqueuedKey,omitempty"`
	RunningKey  string `bson:"runningKey,omitempty"`
}

type jobOptionsModel struct {
	Unique *uniqueModel `bson:"unique,omitempty"`
}

// jobModel is the stored document. Optional fields are omitted rather than
// stored as null so that the sparse uniqueKey index skips keyless jobs.
type jobModel struct {
	ID            string          `bson:"_id"`
	Queue         string          `bson:"queue,omitempty"`
	HandlerName   string          `bson:"handlerName"`
	Data          jobDataModel    `bson:"data"`
	NextRunAt     *time.Time      `bson:"nextRunAt,omitempty"`
	LockedAt      *time.Time      `bson:"lockedAt,omitempty"`
	FailedAt      *time.Time      `bson:"failedAt,omitempty"`
	AttemptsCount int             `bson:"attemptsCount"`
	LastError     string          `bson:"lastError,omitempty"`
	UniqueKey     string          `bson:"uniqueKey,omitempty"`
	Options       jobOptionsModel `bson:"options"`
	ScheduleName  string          `bson:"scheduleName,omitempty"`
	OriginalQueue string          `bson:"originalQueue,omitempty"`
	CreatedAt     time.Time       `bson:"createdAt"`
	UpdatedAt     time.Time       `bson:"updatedAt"`
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:            j.ID.String(),
		Queue:         j.Queue,
		HandlerName:   j.HandlerName,
		Data:          jobDataModel{Payload: j.Data.Payload, Trace: j.Data.Trace},
		NextRunAt:     j.NextRunAt,
		LockedAt:      j.LockedAt,
		FailedAt:      j.FailedAt,
		AttemptsCount: j.AttemptsCount,
		LastError:     j.LastError,
		UniqueKey:     j.UniqueKey,
		ScheduleName:  j.ScheduleName,
		OriginalQueue: j.OriginalQueue,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if u := j.Options.Unique; u != nil {
		m.Options.Unique = &uniqueModel{EnqueuedKey: u.EnqueuedKey, RunningKey: u.RunningKey}
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("mongojobs/mongo: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: mongojobs.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            parsedID,
		Queue:         m.Queue,
		HandlerName:   m.HandlerName,
		Data:          job.Data{Payload: m.Data.Payload, Trace: m.Data.Trace},
		NextRunAt:     m.NextRunAt,
		LockedAt:      m.LockedAt,
		FailedAt:      m.FailedAt,
		AttemptsCount: m.AttemptsCount,
		LastError:     m.LastError,
		UniqueKey:     m.UniqueKey,
		ScheduleName:  m.ScheduleName,
		OriginalQueue: m.OriginalQueue,
	}
	if u := m.Options.Unique; u != nil {
		j.Options.Unique = &job.UniqueOptions{EnqueuedKey: u.EnqueuedKey, RunningKey: u.RunningKey}
	}
	return j, nil
}

// ── Schedule model ────────────────────────────────────────────────

type scheduleModel struct {
	ID             string    `bson:"_id"`
	Name           string    `bson:"name"`
	CronExpression string    `bson:"cronExpression"`
	TimeZone       string    `bson:"timeZone"`
	HandlerName    string    `bson:"handlerName"`
	Queue          string    `bson:"queue"`
	Data           []byte    `bson:"data,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func fromScheduleModel(m *scheduleModel) (*cron.Schedule, error) {
	parsedID, err := id.ParseScheduleID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("mongojobs/mongo: parse schedule id %q: %w", m.ID, err)
	}
	return &cron.Schedule{
		Entity: mongojobs.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		Name:           m.Name,
		CronExpression: m.CronExpression,
		TimeZone:       m.TimeZone,
		HandlerName:    m.HandlerName,
		Queue:          m.Queue,
		Data:           m.Data,
	}, nil
}
