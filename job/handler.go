package job

import "context"

// Handler performs one kind of job. Name must be stable across deploys
// because it is persisted on every job record.
type Handler interface {
	Name() string
	Perform(ctx context.Context, payload []byte) error
}

// MaxAttempter is implemented by handlers that override the default
// attempt budget.
type MaxAttempter interface {
	MaxAttempts() int
}

// Queuer is implemented by handlers that run in a queue other than their
// own name.
type Queuer interface {
	Queue() string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, payload []byte) error
}

// Name implements Handler.
func (h HandlerFunc) Name() string { return h.HandlerName }

// Perform implements Handler.
func (h HandlerFunc) Perform(ctx context.Context, payload []byte) error { return h.Fn(ctx, payload) }
