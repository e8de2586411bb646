// Package ext defines the extension system for mongojobs.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, writing audit logs and so on. Each lifecycle hook is
// a separate interface so extensions opt in only to the events they care
// about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobEnqueued]: job was stored
//   - [JobStarted]: worker began executing the job
//   - [JobCompleted]: job finished successfully and was deleted
//   - [JobRetrying]: job failed and was rescheduled with backoff
//   - [JobDeferred]: job was pushed back by a duplicate in flight
//   - [JobFailed]: job failed with no attempts remaining
//   - [JobExpired]: the sweeper released a stale lock
//
// # Other Hooks
//
//   - [CronFired]: a schedule's next occurrence was inserted
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never reach the worker.
package ext
