// Package mongojobs provides a persistent, multi-worker background job
// scheduler built on MongoDB. Producers enqueue jobs and recurring cron
// schedules; a pool of workers claims, executes, retries and retires them.
//
// mongojobs is designed as a library, not a service. Import it, hand it a
// *mongo.Database, and register handlers as ordinary Go values.
//
// # Quick Start
//
//	s := mongostore.New(client.Database("app"))
//	if err := s.Migrate(ctx); err != nil {
//		return err
//	}
//	eng, err := engine.New(s, engine.WithConcurrency(20))
//	eng.Register(SendEmail, "notifications")
//	engine.Enqueue(ctx, eng, SendEmail, EmailInput{To: "a@example.com"})
//	eng.Start(ctx, "notifications")
//
// # Architecture
//
// Mutual exclusion is delegated entirely to the store: a job is claimed by a
// single atomic find-and-modify that sets lockedAt. There is no central lock
// manager and no leader. Workers pick among logical queues at random so a
// hot queue cannot starve the others, and a periodic sweep unlocks jobs held
// by crashed workers.
//
// Delivery is at-least-once. Unique keys give idempotent enqueue; true
// exactly-once behaviour is left to handler-level idempotency.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package mongojobs
