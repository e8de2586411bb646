package mongo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// claimSort orders due jobs oldest first, with creation time and id as
// tie-breakers.
var claimSort = bson.D{
	{Key: "nextRunAt", Value: 1},
	{Key: "createdAt", Value: 1},
	{Key: "_id", Value: 1},
}

// CreateJob inserts a pending job. A collision on the unique key index is
// reported as not created. A session carried by ctx is honoured, so the
// insert can join the caller's transaction.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (bool, error) {
	if err := j.Validate(); err != nil {
		return false, err
	}

	t := s.clock()
	m := toJobModel(j)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t
	}
	m.UpdatedAt = t

	if _, err := s.jobs.InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) && j.UniqueKey != "" {
			return false, nil
		}
		return false, fmt.Errorf("mongojobs/mongo: create job: %w", err)
	}
	return true, nil
}

// ClaimNext atomically locks the oldest due, unlocked job in queues using
// FindOneAndUpdate and returns the post-update document.
func (s *Store) ClaimNext(ctx context.Context, queues []string) (*job.Job, error) {
	t := s.clock()
	filter := bson.M{
		"queue":     bson.M{"$in": queues},
		"lockedAt":  nil,
		"nextRunAt": bson.M{"$lte": t},
	}
	update := bson.M{"$set": bson.M{"lockedAt": t, "updatedAt": t}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(claimSort)

	return s.findOneAndUpdate(ctx, "claim next", filter, update, opts)
}

// PeekNext returns the unlocked pending job with the earliest NextRunAt.
func (s *Store) PeekNext(ctx context.Context, queue string) (*job.Job, error) {
	filter := bson.M{
		"queue":     queue,
		"lockedAt":  nil,
		"nextRunAt": bson.M{"$ne": nil},
	}
	var m jobModel
	err := s.jobs.FindOne(ctx, filter, options.FindOne().SetSort(claimSort)).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongojobs/mongo: peek next: %w", err)
	}
	return fromJobModel(&m)
}

// UnlockOneExpiredLock clears the lock of one non-failed job locked before
// threshold.
func (s *Store) UnlockOneExpiredLock(ctx context.Context, threshold time.Time) (*job.Job, error) {
	filter := bson.M{
		"lockedAt": bson.M{"$lt": threshold.UTC()},
		"failedAt": nil,
	}
	update := bson.M{
		"$unset": bson.M{"lockedAt": ""},
		"$set":   bson.M{"updatedAt": s.clock()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return s.findOneAndUpdate(ctx, "unlock expired", filter, update, opts)
}

// RecordCompletion deletes a finished job.
func (s *Store) RecordCompletion(ctx context.Context, jobID id.JobID) error {
	res, err := s.jobs.DeleteOne(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("mongojobs/mongo: record completion: %w", err)
	}
	if res.DeletedCount == 0 {
		return mongojobs.ErrJobNotFound
	}
	return nil
}

// RecordRetry stores a failed attempt and releases the lock.
func (s *Store) RecordRetry(ctx context.Context, jobID id.JobID, attempts int, errMsg string, nextRunAt time.Time) error {
	update := bson.M{
		"$set": bson.M{
			"attemptsCount": attempts,
			"lastError":     errMsg,
			"nextRunAt":     nextRunAt.UTC(),
			"updatedAt":     s.clock(),
		},
		"$unset": bson.M{"lockedAt": ""},
	}
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID.String()}, update)
	if err != nil {
		return fmt.Errorf("mongojobs/mongo: record retry: %w", err)
	}
	if res.MatchedCount == 0 {
		return mongojobs.ErrJobNotFound
	}
	return nil
}

// RecordTerminalFailure moves a job off its queue. The update is a
// pipeline so that originalQueue is copied from queue in the same write.
func (s *Store) RecordTerminalFailure(ctx context.Context, jobID id.JobID, attempts int, errMsg string) error {
	t := s.clock()
	pipeline := mongod.Pipeline{
		{{Key: "$set", Value: bson.M{
			"originalQueue": bson.M{"$ifNull": bson.A{"$queue", "$originalQueue"}},
			"failedAt":      t,
			"attemptsCount": attempts,
			"lastError":     bson.M{"$literal": errMsg},
			"updatedAt":     t,
		}}},
		{{Key: "$unset", Value: bson.A{"queue", "nextRunAt", "uniqueKey", "lockedAt"}}},
	}
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID.String()}, pipeline)
	if err != nil {
		return fmt.Errorf("mongojobs/mongo: record terminal failure: %w", err)
	}
	if res.MatchedCount == 0 {
		return mongojobs.ErrJobNotFound
	}
	return nil
}

// ResetJob makes a job claimable now with a fresh attempt budget, restoring
// its queue and enqueued unique key.
func (s *Store) ResetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	queue := current.Queue
	if queue == "" {
		queue = current.OriginalQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("%w: job %s", mongojobs.ErrInvalidReset, jobID)
	}

	t := s.clock()
	set := bson.M{
		"queue":         queue,
		"attemptsCount": 0,
		"nextRunAt":     t,
		"updatedAt":     t,
	}
	if u := current.Options.Unique; u != nil && u.EnqueuedKey != "" {
		set["uniqueKey"] = u.EnqueuedKey
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"failedAt": "", "lockedAt": "", "originalQueue": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m jobModel
	err = s.jobs.FindOneAndUpdate(ctx, bson.M{"_id": jobID.String()}, update, opts).Decode(&m)
	if err != nil {
		switch {
		case isNoDocuments(err):
			return nil, mongojobs.ErrJobNotFound
		case isDuplicateKey(err):
			return nil, fmt.Errorf("%w: key %q", mongojobs.ErrDuplicateInFlight, current.Options.Unique.EnqueuedKey)
		}
		return nil, fmt.Errorf("mongojobs/mongo: reset job: %w", err)
	}
	return fromJobModel(&m)
}

// TransitionUniqueKey swaps a job's unique key if it still holds from.
func (s *Store) TransitionUniqueKey(ctx context.Context, jobID id.JobID, from, to string) error {
	filter := bson.M{"_id": jobID.String(), "uniqueKey": from}
	if from == "" {
		filter["uniqueKey"] = bson.M{"$exists": false}
	}
	update := bson.M{"$set": bson.M{"uniqueKey": to, "updatedAt": s.clock()}}
	if to == "" {
		update = bson.M{
			"$unset": bson.M{"uniqueKey": ""},
			"$set":   bson.M{"updatedAt": s.clock()},
		}
	}

	res, err := s.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: key %q", mongojobs.ErrDuplicateInFlight, to)
		}
		return fmt.Errorf("mongojobs/mongo: transition unique key: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Either the key already moved or the job is gone.
	n, err := s.jobs.CountDocuments(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("mongojobs/mongo: transition unique key: %w", err)
	}
	if n == 0 {
		return mongojobs.ErrJobNotFound
	}
	return nil
}

// QueuesWithPending returns the candidates holding unlocked pending work.
func (s *Store) QueuesWithPending(ctx context.Context, candidates []string) ([]string, error) {
	filter := bson.M{
		"queue":     bson.M{"$in": candidates},
		"lockedAt":  nil,
		"nextRunAt": bson.M{"$ne": nil},
	}
	var queues []string
	if err := s.jobs.Distinct(ctx, "queue", filter).Decode(&queues); err != nil {
		return nil, fmt.Errorf("mongojobs/mongo: queues with pending: %w", err)
	}
	sort.Strings(queues)
	return queues, nil
}

// CancelJobs deletes the given jobs unless they are locked.
func (s *Store) CancelJobs(ctx context.Context, ids []id.JobID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, jobID := range ids {
		keys[i] = jobID.String()
	}
	res, err := s.jobs.DeleteMany(ctx, bson.M{
		"_id":      bson.M{"$in": keys},
		"lockedAt": nil,
	})
	if err != nil {
		return 0, fmt.Errorf("mongojobs/mongo: cancel jobs: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteUpcomingForSchedule deletes a schedule's pending jobs that were
// never attempted and are not running.
func (s *Store) DeleteUpcomingForSchedule(ctx context.Context, scheduleName string) (int64, error) {
	res, err := s.jobs.DeleteMany(ctx, bson.M{
		"scheduleName":  scheduleName,
		"lockedAt":      nil,
		"failedAt":      nil,
		"attemptsCount": 0,
	})
	if err != nil {
		return 0, fmt.Errorf("mongojobs/mongo: delete upcoming for schedule: %w", err)
	}
	return res.DeletedCount, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, mongojobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("mongojobs/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	t := s.clock()
	filter := bson.M{}

	switch opts.Status {
	case job.StatusReady:
		filter["lockedAt"] = nil
		filter["nextRunAt"] = bson.M{"$lte": t}
	case job.StatusScheduled:
		filter["lockedAt"] = nil
		filter["nextRunAt"] = bson.M{"$gt": t}
	case job.StatusRunning:
		filter["lockedAt"] = bson.M{"$ne": nil}
	case job.StatusFailed:
		filter["failedAt"] = bson.M{"$ne": nil}
		filter["nextRunAt"] = nil
	}

	if opts.Queue != "" {
		switch opts.Status {
		case job.StatusFailed:
			filter["originalQueue"] = opts.Queue
		case "":
			filter["$or"] = bson.A{
				bson.M{"queue": opts.Queue},
				bson.M{"originalQueue": opts.Queue, "nextRunAt": nil},
			}
		default:
			filter["queue"] = opts.Queue
		}
	}

	count, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongojobs/mongo: count jobs: %w", err)
	}
	return count, nil
}

func (s *Store) findOneAndUpdate(ctx context.Context, op string, filter, update any, opts *options.FindOneAndUpdateOptionsBuilder) (*job.Job, error) {
	var m jobModel
	err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongojobs/mongo: %s: %w", op, err)
	}
	return fromJobModel(&m)
}
