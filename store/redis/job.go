package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// changeMessage is the JSON body published for each change.
type changeMessage struct {
	Queue     string    `json:"queue"`
	NextRunAt time.Time `json:"next_run_at"`
	Locked    bool      `json:"locked"`
}

// subscriptionBuffer is the capacity of a subscription channel.
const subscriptionBuffer = 64

// CreateJob inserts through the wrapped store and announces the job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (bool, error) {
	created, err := s.Store.CreateJob(ctx, j)
	if err != nil || !created {
		return created, err
	}
	s.publish(ctx, j)
	return true, nil
}

// RecordRetry stores the attempt and announces the job's new due time.
func (s *Store) RecordRetry(ctx context.Context, jobID id.JobID, attempts int, errMsg string, nextRunAt time.Time) error {
	if err := s.Store.RecordRetry(ctx, jobID, attempts, errMsg, nextRunAt); err != nil {
		return err
	}
	j, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn("reload job for notification",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	s.publish(ctx, j)
	return nil
}

// ResetJob resets through the wrapped store and announces the job.
func (s *Store) ResetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.Store.ResetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, j)
	return j, nil
}

// UnlockOneExpiredLock unlocks through the wrapped store and announces the
// released job.
func (s *Store) UnlockOneExpiredLock(ctx context.Context, threshold time.Time) (*job.Job, error) {
	j, err := s.Store.UnlockOneExpiredLock(ctx, threshold)
	if err != nil || j == nil {
		return j, err
	}
	s.publish(ctx, j)
	return j, nil
}

// SubscribeToChanges subscribes to the channels of queues. The channel is
// closed when ctx ends.
func (s *Store) SubscribeToChanges(ctx context.Context, queues []string) (<-chan job.Change, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: no queues", mongojobs.ErrChangeFeedUnsupported)
	}
	channels := make([]string, len(queues))
	for i, q := range queues {
		channels[i] = changesChannel(q)
	}

	ps := s.client.Subscribe(ctx, channels...)
	// Wait for the subscription to be confirmed so that no publish racing
	// with the caller's next write is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("mongojobs/redis: subscribe: %w", err)
	}

	out := make(chan job.Change, subscriptionBuffer)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var cm changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
					s.logger.Warn("decode change message",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- job.Change{Queue: cm.Queue, NextRunAt: cm.NextRunAt, Locked: cm.Locked}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// publish announces j on its queue's channel. Failures are logged only:
// consumers still discover the job by polling.
func (s *Store) publish(ctx context.Context, j *job.Job) {
	if j.Queue == "" || j.NextRunAt == nil {
		return
	}
	body, err := json.Marshal(changeMessage{
		Queue:     j.Queue,
		NextRunAt: j.NextRunAt.UTC(),
		Locked:    j.LockedAt != nil,
	})
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, changesChannel(j.Queue), body).Err(); err != nil {
		s.logger.Warn("publish change",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", err.Error()),
		)
	}
}
