package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued  = "job.enqueued"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobRetrying  = "job.retrying"
	ActionJobDeferred  = "job.deferred"
	ActionJobFailed    = "job.failed"
	ActionJobExpired   = "job.expired"
	ActionCronFired    = "cron.fired"
)

// Audit event categories group related actions.
const (
	CategoryJob  = "mongojobs.job"
	CategoryCron = "mongojobs.cron"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob      = "job"
	ResourceSchedule = "schedule"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobRetrying,
		ActionJobDeferred,
		ActionJobFailed,
		ActionJobExpired,
		ActionCronFired,
	}
}
