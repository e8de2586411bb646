package job

import (
	"context"
	"time"

	"github.com/xraph/mongojobs/id"
)

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name; failed jobs match on their original
	// queue. Empty means all queues.
	Queue string
	// Status filters by derived status. Empty means all jobs.
	Status Status
}

// Change is a notification that a job in a consumed queue was inserted or
// updated.
type Change struct {
	Queue     string
	NextRunAt time.Time
	Locked    bool
}

// Store defines the persistence contract for jobs. Every operation is a
// single atomic document operation; no method holds state across calls.
type Store interface {
	// CreateJob inserts a pending job. It returns false, nil when the job's
	// unique key is already held by another job.
	CreateJob(ctx context.Context, j *Job) (bool, error)

	// ClaimNext atomically locks the oldest due, unlocked job in queues and
	// returns it with LockedAt set. It returns nil, nil when nothing is due.
	ClaimNext(ctx context.Context, queues []string) (*Job, error)

	// PeekNext returns the unlocked pending job with the earliest
	// NextRunAt in queue, due or not, or nil.
	PeekNext(ctx context.Context, queue string) (*Job, error)

	// UnlockOneExpiredLock clears the lock of one non-failed job locked
	// before threshold and returns it, or nil when none remain.
	UnlockOneExpiredLock(ctx context.Context, threshold time.Time) (*Job, error)

	// RecordCompletion deletes a finished job.
	RecordCompletion(ctx context.Context, jobID id.JobID) error

	// RecordRetry stores a failure and releases the lock.
	RecordRetry(ctx context.Context, jobID id.JobID, attempts int, errMsg string, nextRunAt time.Time) error

	// RecordTerminalFailure moves the job off its queue: it sets FailedAt
	// and OriginalQueue and clears Queue, NextRunAt, UniqueKey and LockedAt.
	RecordTerminalFailure(ctx context.Context, jobID id.JobID, attempts int, errMsg string) error

	// ResetJob makes a job claimable now with a fresh attempt budget.
	ResetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// TransitionUniqueKey swaps the job's unique key from one value to
	// another, returning mongojobs.ErrDuplicateInFlight when another job
	// already holds the target key.
	TransitionUniqueKey(ctx context.Context, jobID id.JobID, from, to string) error

	// QueuesWithPending returns the subset of candidates holding at least
	// one unlocked pending job.
	QueuesWithPending(ctx context.Context, candidates []string) ([]string, error)

	// SubscribeToChanges streams insert and update notifications for the
	// given queues until ctx ends. Backends without a push feed return
	// mongojobs.ErrChangeFeedUnsupported.
	SubscribeToChanges(ctx context.Context, queues []string) (<-chan Change, error)

	// CancelJobs deletes the given jobs unless they are locked.
	CancelJobs(ctx context.Context, ids []id.JobID) (int64, error)

	// DeleteUpcomingForSchedule deletes unlocked, never-attempted,
	// non-failed jobs belonging to a schedule.
	DeleteUpcomingForSchedule(ctx context.Context, scheduleName string) (int64, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
