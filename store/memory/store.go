package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/cron"
	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// Ensure Store implements both subsystem contracts at compile time.
// We can't import store here (import cycle with its tests), so we verify
// each subsystem.
var (
	_ job.Store  = (*Store)(nil)
	_ cron.Store = (*Store)(nil)
)

// subscriberBuffer bounds each change-feed channel. Notifications that do
// not fit are dropped; the consumer's periodic refresh covers the gap.
const subscriberBuffer = 64

// Option configures a memory Store.
type Option func(*Store)

// WithClock overrides the time source used for claims, locks and
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Store) { m.now = now }
}

// WithoutChangeFeed makes SubscribeToChanges fail with
// mongojobs.ErrChangeFeedUnsupported, as a standalone MongoDB would.
func WithoutChangeFeed() Option {
	return func(m *Store) { m.noFeed = true }
}

type subscriber struct {
	queues map[string]struct{}
	ch     chan job.Change
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	unique    map[string]string // unique key -> job id
	schedules map[string]*cron.Schedule

	now    func() time.Time
	noFeed bool

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	m := &Store{
		jobs:      make(map[string]*job.Job),
		unique:    make(map[string]string),
		schedules: make(map[string]*cron.Schedule),
		now:       time.Now,
		subs:      make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Store) clock() time.Time { return m.now().UTC() }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob inserts a pending job unless its unique key is taken.
func (m *Store) CreateJob(_ context.Context, j *job.Job) (bool, error) {
	if err := j.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return false, fmt.Errorf("%w: duplicate id %s", mongojobs.ErrInvalidJob, key)
	}
	if j.UniqueKey != "" {
		if _, taken := m.unique[j.UniqueKey]; taken {
			return false, nil
		}
		m.unique[j.UniqueKey] = key
	}

	now := m.clock()
	cp := j.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.jobs[key] = cp
	m.notify(cp)
	return true, nil
}

// ClaimNext locks the oldest due, unlocked job in queues.
func (m *Store) ClaimNext(_ context.Context, queues []string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := toSet(queues)
	now := m.clock()

	var best *job.Job
	for _, j := range m.jobs {
		if _, ok := queueSet[j.Queue]; !ok {
			continue
		}
		if !j.Claimable(now) {
			continue
		}
		if best == nil || earlier(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.LockedAt = &now
	best.UpdatedAt = now
	m.notify(best)
	return best.Clone(), nil
}

// PeekNext returns the unlocked pending job with the earliest NextRunAt.
func (m *Store) PeekNext(_ context.Context, queue string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || j.LockedAt != nil || j.NextRunAt == nil {
			continue
		}
		if best == nil || earlier(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// UnlockOneExpiredLock releases one lock taken before threshold.
func (m *Store) UnlockOneExpiredLock(_ context.Context, threshold time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.LockedAt == nil || j.FailedAt != nil || !j.LockedAt.Before(threshold) {
			continue
		}
		j.LockedAt = nil
		j.UpdatedAt = m.clock()
		m.notify(j)
		return j.Clone(), nil
	}
	return nil, nil
}

// RecordCompletion deletes a finished job.
func (m *Store) RecordCompletion(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return mongojobs.ErrJobNotFound
	}
	m.releaseUnique(j)
	delete(m.jobs, jobID.String())
	return nil
}

// RecordRetry stores a failed attempt and releases the lock.
func (m *Store) RecordRetry(_ context.Context, jobID id.JobID, attempts int, errMsg string, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return mongojobs.ErrJobNotFound
	}
	next := nextRunAt.UTC()
	j.AttemptsCount = attempts
	j.LastError = errMsg
	j.NextRunAt = &next
	j.LockedAt = nil
	j.UpdatedAt = m.clock()
	m.notify(j)
	return nil
}

// RecordTerminalFailure moves a job off its queue.
func (m *Store) RecordTerminalFailure(_ context.Context, jobID id.JobID, attempts int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return mongojobs.ErrJobNotFound
	}
	now := m.clock()
	m.releaseUnique(j)
	if j.Queue != "" {
		j.OriginalQueue = j.Queue
	}
	j.Queue = ""
	j.UniqueKey = ""
	j.NextRunAt = nil
	j.LockedAt = nil
	j.FailedAt = &now
	j.AttemptsCount = attempts
	j.LastError = errMsg
	j.UpdatedAt = now
	return nil
}

// ResetJob makes a job claimable now with a fresh attempt budget.
func (m *Store) ResetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, mongojobs.ErrJobNotFound
	}
	queue := j.Queue
	if queue == "" {
		queue = j.OriginalQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("%w: job %s", mongojobs.ErrInvalidReset, jobID)
	}

	if u := j.Options.Unique; u != nil && u.EnqueuedKey != "" && j.UniqueKey != u.EnqueuedKey {
		if owner, taken := m.unique[u.EnqueuedKey]; taken && owner != j.ID.String() {
			return nil, fmt.Errorf("%w: key %q", mongojobs.ErrDuplicateInFlight, u.EnqueuedKey)
		}
		m.releaseUnique(j)
		j.UniqueKey = u.EnqueuedKey
		m.unique[u.EnqueuedKey] = j.ID.String()
	}

	now := m.clock()
	j.Queue = queue
	j.OriginalQueue = ""
	j.FailedAt = nil
	j.LockedAt = nil
	j.AttemptsCount = 0
	j.NextRunAt = &now
	j.UpdatedAt = now
	m.notify(j)
	return j.Clone(), nil
}

// TransitionUniqueKey swaps a job's unique key if it still holds from.
func (m *Store) TransitionUniqueKey(_ context.Context, jobID id.JobID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return mongojobs.ErrJobNotFound
	}
	if j.UniqueKey != from {
		return nil
	}
	if owner, taken := m.unique[to]; taken && owner != j.ID.String() {
		return fmt.Errorf("%w: key %q", mongojobs.ErrDuplicateInFlight, to)
	}
	m.releaseUnique(j)
	j.UniqueKey = to
	if to != "" {
		m.unique[to] = j.ID.String()
	}
	j.UpdatedAt = m.clock()
	return nil
}

// QueuesWithPending returns the candidates holding unlocked pending work.
func (m *Store) QueuesWithPending(_ context.Context, candidates []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := toSet(candidates)
	found := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.LockedAt != nil || j.NextRunAt == nil {
			continue
		}
		if _, ok := want[j.Queue]; ok {
			found[j.Queue] = struct{}{}
		}
	}
	out := make([]string, 0, len(found))
	for q := range found {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

// SubscribeToChanges delivers a Change for every insert or update of a job
// in queues until ctx ends.
func (m *Store) SubscribeToChanges(ctx context.Context, queues []string) (<-chan job.Change, error) {
	if m.noFeed {
		return nil, mongojobs.ErrChangeFeedUnsupported
	}

	sub := &subscriber{queues: toSet(queues), ch: make(chan job.Change, subscriberBuffer)}
	m.subsMu.Lock()
	key := m.nextSub
	m.nextSub++
	m.subs[key] = sub
	m.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subsMu.Lock()
		delete(m.subs, key)
		close(sub.ch)
		m.subsMu.Unlock()
	}()
	return sub.ch, nil
}

// CancelJobs deletes the given jobs unless they are locked.
func (m *Store) CancelJobs(_ context.Context, ids []id.JobID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, jobID := range ids {
		j, ok := m.jobs[jobID.String()]
		if !ok || j.LockedAt != nil {
			continue
		}
		m.releaseUnique(j)
		delete(m.jobs, jobID.String())
		count++
	}
	return count, nil
}

// DeleteUpcomingForSchedule deletes a schedule's untouched pending jobs.
func (m *Store) DeleteUpcomingForSchedule(_ context.Context, scheduleName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, j := range m.jobs {
		if j.ScheduleName != scheduleName || j.LockedAt != nil || j.AttemptsCount != 0 || j.FailedAt != nil {
			continue
		}
		m.releaseUnique(j)
		delete(m.jobs, key)
		count++
	}
	return count, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, mongojobs.ErrJobNotFound
	}
	return j.Clone(), nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue && !(j.TerminallyFailed() && j.OriginalQueue == opts.Queue) {
			continue
		}
		if opts.Status != "" && j.Status(now) != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// Jobs returns a copy of every stored job ordered by NextRunAt, with
// failed jobs last. Intended for tests.
func (m *Store) Jobs() []*job.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		switch {
		case out[a].NextRunAt == nil:
			return false
		case out[b].NextRunAt == nil:
			return true
		default:
			return earlier(out[a], out[b])
		}
	})
	return out
}

// ──────────────────────────────────────────────────
// Cron Store
// ──────────────────────────────────────────────────

// UpsertSchedule inserts or replaces a schedule by name.
func (m *Store) UpsertSchedule(_ context.Context, s *cron.Schedule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	existing, ok := m.schedules[s.Name]
	if ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
		if existing.SameDefinition(s) {
			s.UpdatedAt = existing.UpdatedAt
			return false, nil
		}
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	cp.Data = append([]byte(nil), s.Data...)
	m.schedules[s.Name] = &cp
	return true, nil
}

// GetSchedule retrieves a schedule by name.
func (m *Store) GetSchedule(_ context.Context, name string) (*cron.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[name]
	if !ok {
		return nil, mongojobs.ErrScheduleNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSchedules returns all schedules ordered by name.
func (m *Store) ListSchedules(_ context.Context) ([]*cron.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cron.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// DeleteSchedule removes a schedule by name.
func (m *Store) DeleteSchedule(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[name]; !ok {
		return mongojobs.ErrScheduleNotFound
	}
	delete(m.schedules, name)
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// notify fans a change out to subscribers without blocking. Callers hold mu.
func (m *Store) notify(j *job.Job) {
	if j.Queue == "" || j.NextRunAt == nil {
		return
	}
	change := job.Change{Queue: j.Queue, NextRunAt: *j.NextRunAt, Locked: j.LockedAt != nil}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, sub := range m.subs {
		if _, ok := sub.queues[j.Queue]; !ok {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// releaseUnique frees the job's unique key. Callers hold mu.
func (m *Store) releaseUnique(j *job.Job) {
	if j.UniqueKey == "" {
		return
	}
	if owner := m.unique[j.UniqueKey]; owner == j.ID.String() {
		delete(m.unique, j.UniqueKey)
	}
}

// earlier orders jobs by NextRunAt, then creation time, then id.
func earlier(a, b *job.Job) bool {
	if !a.NextRunAt.Equal(*b.NextRunAt) {
		return a.NextRunAt.Before(*b.NextRunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
