// Package audithook is a mongojobs extension that bridges lifecycle events
// to an audit trail backend.
//
// Every job and cron lifecycle hook emits a structured audit event through
// the [Recorder] interface. Severity is info for normal operations, warning
// for retries, deferrals and expired locks, and critical for terminal
// failures. Metadata carries the handler, queue, attempts, elapsed time and
// error.
//
// # Usage
//
//	eng, _ := engine.New(s,
//	    engine.WithExtension(audithook.New(audithook.RecorderFunc(
//	        func(ctx context.Context, evt *audithook.AuditEvent) error {
//	            _, err := auditLog.InsertOne(ctx, evt)
//	            return err
//	        },
//	    ))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionJobExpired,
//	    ),
//	)
package audithook
