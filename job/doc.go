// Package job defines the job record, the handler capability interface,
// typed definitions, the handler registry and the store contract.
//
// # Job Record
//
// A [Job] has no stored state enum. Its lifecycle is read off three
// optional timestamps:
//
//	LockedAt == nil && NextRunAt <= now   claimable
//	LockedAt != nil                       claimed by a worker
//	FailedAt != nil && NextRunAt == nil   terminally failed
//
// Completion deletes the record, so a store only ever holds work that is
// pending, running or awaiting a manual reset. [Job.Status] derives a
// readable status for metrics and tooling.
//
// # Defining a Job
//
// Any type implementing [Handler] can be registered. [Definition] is the
// typed convenience: the payload is JSON-encoded at enqueue time and
// decoded before the handler runs.
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, input EmailInput) error {
//	        return mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	    job.WithMaxAttempts(5),
//	)
//
// # Registry
//
// [Registry] resolves handlers by name or instance and maps groups of
// handlers to the queues a worker consumes:
//
//	reg.Register(SendEmail, "mail")
//	queues := reg.QueuesForGroups("mail")
//
// Registering the same name twice fails with mongojobs.ErrDuplicateHandler
// unless [AllowOverride] is passed.
package job
