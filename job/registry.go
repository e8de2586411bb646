package job

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/mongojobs"
)

// DefaultGroup is the group handlers join when none is given.
const DefaultGroup = "default"

// Registration is a handler together with its resolved queue and group.
type Registration struct {
	Handler Handler
	Queue   string
	Group   string
}

// MaxAttempts returns the handler's attempt budget, or fallback when the
// handler does not declare one.
func (r *Registration) MaxAttempts(fallback int) int {
	if ma, ok := r.Handler.(MaxAttempter); ok && ma.MaxAttempts() > 0 {
		return ma.MaxAttempts()
	}
	return fallback
}

type registerOptions struct {
	allowOverride bool
	queue         string
}

// RegisterOption configures a single Register call.
type RegisterOption func(*registerOptions)

// AllowOverride lets Register replace an existing handler of the same name.
func AllowOverride() RegisterOption {
	return func(o *registerOptions) { o.allowOverride = true }
}

// InQueue overrides the queue the handler consumes.
func InQueue(q string) RegisterOption {
	return func(o *registerOptions) { o.queue = q }
}

// Registry maps handler names to registrations.
// It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]*Registration),
	}
}

// Register adds h to group. The queue is, in order of precedence, the
// InQueue option, the handler's own Queue(), or its name.
func (r *Registry) Register(h Handler, group string, opts ...RegisterOption) (*Registration, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	name := h.Name()
	if name == "" {
		return nil, fmt.Errorf("%w: handler has no name", mongojobs.ErrInvalidJob)
	}
	if group == "" {
		group = DefaultGroup
	}
	queue := o.queue
	if queue == "" {
		if q, ok := h.(Queuer); ok {
			queue = q.Queue()
		}
	}
	if queue == "" {
		queue = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.registrations[name]; exists && !o.allowOverride {
		return nil, fmt.Errorf("%w: %q", mongojobs.ErrDuplicateHandler, name)
	}
	reg := &Registration{Handler: h, Queue: queue, Group: group}
	r.registrations[name] = reg
	return reg, nil
}

// Lookup returns the registration for a handler name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[name]
	return reg, ok
}

// LookupHandler returns the registration for a handler instance.
func (r *Registry) LookupHandler(h Handler) (*Registration, bool) {
	return r.Lookup(h.Name())
}

// Resolve is like Lookup but returns ErrHandlerNotFound.
func (r *Registry) Resolve(name string) (*Registration, error) {
	reg, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", mongojobs.ErrHandlerNotFound, name)
	}
	return reg, nil
}

// QueuesForGroups returns the sorted, de-duplicated queues consumed by the
// given groups. No groups means every registered queue.
func (r *Registry) QueuesForGroups(groups ...string) []string {
	want := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		want[g] = struct{}{}
	}

	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, reg := range r.registrations {
		if len(want) > 0 {
			if _, ok := want[reg.Group]; !ok {
				continue
			}
		}
		seen[reg.Queue] = struct{}{}
	}
	r.mu.RUnlock()

	queues := make([]string, 0, len(seen))
	for q := range seen {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

// Names returns all registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		names = append(names, name)
	}
	return names
}
