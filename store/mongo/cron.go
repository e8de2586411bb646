package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/cron"
)

// UpsertSchedule inserts or updates the schedule with s.Name and reports
// whether its definition changed. An identical definition is left
// untouched.
func (s *Store) UpsertSchedule(ctx context.Context, sched *cron.Schedule) (bool, error) {
	existing, err := s.GetSchedule(ctx, sched.Name)
	switch {
	case err == nil && existing.SameDefinition(sched):
		sched.ID = existing.ID
		sched.Entity = existing.Entity
		return false, nil
	case err != nil && !errors.Is(err, mongojobs.ErrScheduleNotFound):
		return false, err
	}

	t := s.clock()
	update := bson.M{
		"$set": bson.M{
			"cronExpression": sched.CronExpression,
			"timeZone":       sched.TimeZone,
			"handlerName":    sched.HandlerName,
			"queue":          sched.Queue,
			"data":           sched.Data,
			"updatedAt":      t,
		},
		"$setOnInsert": bson.M{
			"_id":       sched.ID.String(),
			"createdAt": t,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m scheduleModel
	err = s.schedules.FindOneAndUpdate(ctx, bson.M{"name": sched.Name}, update, opts).Decode(&m)
	if isDuplicateKey(err) {
		// Lost an insert race on the unique name index; the row now exists.
		err = s.schedules.FindOneAndUpdate(ctx, bson.M{"name": sched.Name}, update, opts).Decode(&m)
	}
	if err != nil {
		return false, fmt.Errorf("mongojobs/mongo: upsert schedule: %w", err)
	}

	stored, err := fromScheduleModel(&m)
	if err != nil {
		return false, err
	}
	sched.ID = stored.ID
	sched.Entity = stored.Entity
	return true, nil
}

// GetSchedule retrieves a schedule by name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*cron.Schedule, error) {
	var m scheduleModel
	err := s.schedules.FindOne(ctx, bson.M{"name": name}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, mongojobs.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("mongojobs/mongo: get schedule: %w", err)
	}
	return fromScheduleModel(&m)
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*cron.Schedule, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cursor, err := s.schedules.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongojobs/mongo: list schedules: %w", err)
	}
	defer cursor.Close(ctx)

	var models []scheduleModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("mongojobs/mongo: list schedules decode: %w", err)
	}

	out := make([]*cron.Schedule, 0, len(models))
	for i := range models {
		sched, convErr := fromScheduleModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("mongojobs/mongo: list schedules convert: %w", convErr)
		}
		out = append(out, sched)
	}
	return out, nil
}

// DeleteSchedule removes a schedule by name.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.schedules.DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return fmt.Errorf("mongojobs/mongo: delete schedule: %w", err)
	}
	if res.DeletedCount == 0 {
		return mongojobs.ErrScheduleNotFound
	}
	return nil
}
