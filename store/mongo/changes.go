package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/job"
)

// changeBuffer is the capacity of a subscription channel.
const changeBuffer = 64

type changeEvent struct {
	FullDocument *jobModel `bson:"fullDocument"`
}

// SubscribeToChanges opens a change stream over inserts and updates of jobs
// in queues. It returns mongojobs.ErrChangeFeedUnsupported on servers that
// are not part of a replica set. The channel is closed when ctx ends or
// the stream fails.
func (s *Store) SubscribeToChanges(ctx context.Context, queues []string) (<-chan job.Change, error) {
	pipeline := mongod.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":      bson.M{"$in": bson.A{"insert", "update", "replace"}},
			"fullDocument.queue": bson.M{"$in": queues},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := s.jobs.Watch(ctx, pipeline, opts)
	if err != nil {
		if isChangeStreamUnsupported(err) {
			return nil, mongojobs.ErrChangeFeedUnsupported
		}
		return nil, fmt.Errorf("mongojobs/mongo: watch jobs: %w", err)
	}

	out := make(chan job.Change, changeBuffer)
	go func() {
		defer close(out)
		defer stream.Close(context.WithoutCancel(ctx))

		for stream.Next(ctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				s.logger.Warn("decode change event", slog.String("error", err.Error()))
				continue
			}
			m := ev.FullDocument
			if m == nil || m.Queue == "" || m.NextRunAt == nil {
				continue
			}
			select {
			case out <- job.Change{Queue: m.Queue, NextRunAt: *m.NextRunAt, Locked: m.LockedAt != nil}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn("change stream ended", slog.String("error", err.Error()))
		}
	}()
	return out, nil
}
