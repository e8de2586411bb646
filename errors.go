package mongojobs

import "errors"

var (
	// Store errors.
	ErrNoStore               = errors.New("mongojobs: no store configured")
	ErrChangeFeedUnsupported = errors.New("mongojobs: change feed unsupported")

	// Not found errors.
	ErrJobNotFound      = errors.New("mongojobs: job not found")
	ErrScheduleNotFound = errors.New("mongojobs: schedule not found")
	ErrHandlerNotFound  = errors.New("mongojobs: handler not registered")

	// Conflict errors.
	ErrDuplicateHandler  = errors.New("mongojobs: handler already registered")
	ErrDuplicateInFlight = errors.New("mongojobs: job with running key already in flight")

	// Validation errors.
	ErrInvalidJob   = errors.New("mongojobs: invalid job")
	ErrInvalidCron  = errors.New("mongojobs: invalid cron schedule")
	ErrInvalidReset = errors.New("mongojobs: job has no queue to reset into")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("mongojobs: already started")
)
