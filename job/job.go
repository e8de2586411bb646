package job

import (
	"fmt"
	"time"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/id"
)

// Status is a derived view of where a job sits in its lifecycle. It is not
// stored; it is computed from the lock, schedule and failure fields.
type Status string

const (
	// StatusReady means the job is unlocked and due now.
	StatusReady Status = "ready"
	// StatusScheduled means the job is unlocked but due in the future.
	StatusScheduled Status = "scheduled"
	// StatusRunning means a worker holds the claim.
	StatusRunning Status = "running"
	// StatusFailed means retries are exhausted and the job awaits a reset.
	StatusFailed Status = "failed"
)

// Data is the opaque job payload plus optional trace propagation metadata.
type Data struct {
	Payload []byte            `json:"payload,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// UniqueOptions configures deduplication. When both keys are set and
// differ, the job's unique key moves from EnqueuedKey to RunningKey once
// execution begins, which frees EnqueuedKey for a new enqueue while still
// preventing two concurrent executions under RunningKey.
type UniqueOptions struct {
	EnqueuedKey string `json:"enqueued_key,omitempty"`
	RunningKey  string `json:"running_key,omitempty"`
}

// Transitions reports whether the key changes when the job starts running.
func (u *UniqueOptions) Transitions() bool {
	return u != nil && u.EnqueuedKey != "" && u.RunningKey != "" && u.EnqueuedKey != u.RunningKey
}

// Options holds per-job behaviour persisted alongside the record.
type Options struct {
	Unique *UniqueOptions `json:"unique,omitempty"`
}

// Job is one unit of work.
//
// A job is claimable when LockedAt is nil and NextRunAt is at or before
// now. It is terminally failed when FailedAt is set and NextRunAt is nil;
// such a job has no Queue and no UniqueKey, and remembers its lane in
// OriginalQueue so that it can be reset.
type Job struct {
	mongojobs.Entity

	ID            id.JobID   `json:"id"`
	Queue         string     `json:"queue,omitempty"`
	HandlerName   string     `json:"handler_name"`
	Data          Data       `json:"data"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	AttemptsCount int        `json:"attempts_count"`
	LastError     string     `json:"last_error,omitempty"`
	UniqueKey     string     `json:"unique_key,omitempty"`
	Options       Options    `json:"options"`
	ScheduleName  string     `json:"schedule_name,omitempty"`
	OriginalQueue string     `json:"original_queue,omitempty"`
}

// Claimable reports whether a worker may claim the job at now.
func (j *Job) Claimable(now time.Time) bool {
	return j.LockedAt == nil && j.NextRunAt != nil && !j.NextRunAt.After(now)
}

// TerminallyFailed reports whether the job exhausted its attempts.
func (j *Job) TerminallyFailed() bool {
	return j.FailedAt != nil && j.NextRunAt == nil
}

// Status derives the job status at now.
func (j *Job) Status(now time.Time) Status {
	switch {
	case j.TerminallyFailed():
		return StatusFailed
	case j.LockedAt != nil:
		return StatusRunning
	case j.NextRunAt != nil && j.NextRunAt.After(now):
		return StatusScheduled
	default:
		return StatusReady
	}
}

// Validate checks the record invariants. Stores call it before persisting.
func (j *Job) Validate() error {
	if j.ID.IsNil() {
		return fmt.Errorf("%w: missing id", mongojobs.ErrInvalidJob)
	}
	if j.HandlerName == "" {
		return fmt.Errorf("%w: missing handler name", mongojobs.ErrInvalidJob)
	}
	if j.TerminallyFailed() {
		if j.Queue != "" || j.UniqueKey != "" {
			return fmt.Errorf("%w: failed job %s still holds a queue or unique key", mongojobs.ErrInvalidJob, j.ID)
		}
		if j.OriginalQueue == "" {
			return fmt.Errorf("%w: failed job %s has no original queue", mongojobs.ErrInvalidJob, j.ID)
		}
		return nil
	}
	if j.Queue == "" {
		return fmt.Errorf("%w: job %s has no queue", mongojobs.ErrInvalidJob, j.ID)
	}
	if j.NextRunAt == nil {
		return fmt.Errorf("%w: pending job %s has no next run time", mongojobs.ErrInvalidJob, j.ID)
	}
	return nil
}

// Clone returns a deep copy so that stores never share pointers with callers.
func (j *Job) Clone() *Job {
	cp := *j
	cp.NextRunAt = cloneTime(j.NextRunAt)
	cp.LockedAt = cloneTime(j.LockedAt)
	cp.FailedAt = cloneTime(j.FailedAt)
	if j.Data.Payload != nil {
		cp.Data.Payload = append([]byte(nil), j.Data.Payload...)
	}
	if j.Data.Trace != nil {
		cp.Data.Trace = make(map[string]string, len(j.Data.Trace))
		for k, v := range j.Data.Trace {
			cp.Data.Trace[k] = v
		}
	}
	if j.Options.Unique != nil {
		u := *j.Options.Unique
		cp.Options.Unique = &u
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
