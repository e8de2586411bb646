package job

import (
	"context"
	"encoding/json"
	"fmt"
)

// Definition is a typed job handler. T is the payload type and must be
// JSON-serializable. A Definition satisfies Handler, MaxAttempter and
// Queuer, so it can be registered directly and used as a typed handle
// for enqueueing.
type Definition[T any] struct {
	name    string
	handler func(ctx context.Context, payload T) error
	opts    DefinitionOptions
}

// DefinitionOptions configures a Definition.
type DefinitionOptions struct {
	// Queue overrides the queue; empty means the handler name.
	Queue string

	// MaxAttempts overrides the engine default; zero means use the default.
	MaxAttempts int
}

// DefinitionOption is a functional option for configuring a Definition.
type DefinitionOption func(*DefinitionOptions)

// WithQueue sets the queue the handler's jobs are placed in.
func WithQueue(q string) DefinitionOption {
	return func(o *DefinitionOptions) { o.Queue = q }
}

// WithMaxAttempts sets the number of failed attempts after which a job is
// recorded as terminally failed.
func WithMaxAttempts(n int) DefinitionOption {
	return func(o *DefinitionOptions) { o.MaxAttempts = n }
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) error, opts ...DefinitionOption) *Definition[T] {
	def := &Definition[T]{name: name, handler: handler}
	for _, opt := range opts {
		opt(&def.opts)
	}
	return def
}

// Name implements Handler.
func (d *Definition[T]) Name() string { return d.name }

// Queue implements Queuer.
func (d *Definition[T]) Queue() string {
	if d.opts.Queue != "" {
		return d.opts.Queue
	}
	return d.name
}

// MaxAttempts implements MaxAttempter.
func (d *Definition[T]) MaxAttempts() int { return d.opts.MaxAttempts }

// Perform decodes the payload into T and calls the typed handler.
func (d *Definition[T]) Perform(ctx context.Context, payload []byte) error {
	var t T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t); err != nil {
			return fmt.Errorf("unmarshal payload for job %q: %w", d.name, err)
		}
	}
	return d.handler(ctx, t)
}

// Encode serializes a payload for this definition.
func (d *Definition[T]) Encode(payload T) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", d.name, err)
	}
	return b, nil
}
