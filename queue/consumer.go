package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/xraph/mongojobs"
	"github.com/xraph/mongojobs/job"
)

// Consumer decides which of its queues to claim from next. It keeps the
// set of queues believed to hold claimable work (actionable) and the
// earliest known due time of queues whose work lies in the future.
//
// Every actionable queue has the same chance of being tried first,
// regardless of backlog, so a deep queue cannot starve a shallow one.
type Consumer struct {
	store   job.Store
	queues  []string
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time

	refreshInterval time.Duration
	useChangeFeed   bool

	mu         sync.Mutex
	rng        *rand.Rand
	actionable *RandomSet
	future     map[string]time.Time

	signal chan struct{}

	running    bool
	feedActive bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLimiter gates claims per queue.
func WithLimiter(l Limiter) ConsumerOption {
	return func(c *Consumer) { c.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithClock overrides the time source used to promote future queues.
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.now = now }
}

// WithRefreshInterval sets how often actionable queues are re-read from
// the store. Zero disables the periodic refresh.
func WithRefreshInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.refreshInterval = d }
}

// WithChangeFeed enables or disables the store's change feed.
func WithChangeFeed(enabled bool) ConsumerOption {
	return func(c *Consumer) { c.useChangeFeed = enabled }
}

// WithRand sets the random source used to pick queues.
func WithRand(r *rand.Rand) ConsumerOption {
	return func(c *Consumer) { c.rng = r }
}

// NewConsumer returns a Consumer claiming from queues.
func NewConsumer(store job.Store, queues []string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		store:           store,
		queues:          append([]string(nil), queues...),
		logger:          slog.Default(),
		now:             time.Now,
		refreshInterval: 30 * time.Second,
		useChangeFeed:   true,
		actionable:      NewRandomSet(),
		future:          make(map[string]time.Time),
		signal:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c
}

// Queues returns the queues this consumer claims from.
func (c *Consumer) Queues() []string { return append([]string(nil), c.queues...) }

// Signal fires when a change notification reports new work. It is
// buffered; a pending signal absorbs further notifications.
func (c *Consumer) Signal() <-chan struct{} { return c.signal }

// Start seeds the actionable set, starts the periodic refresh and opens
// the change feed when enabled. A feed that cannot be opened is logged and
// the consumer falls back to polling.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return mongojobs.ErrAlreadyStarted
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial queue refresh failed", slog.String("error", err.Error()))
	}

	if c.refreshInterval > 0 {
		c.wg.Add(1)
		go c.refreshLoop(ctx)
	}

	if c.useChangeFeed && len(c.queues) > 0 {
		changes, err := c.store.SubscribeToChanges(ctx, c.queues)
		switch {
		case errors.Is(err, mongojobs.ErrChangeFeedUnsupported):
			c.logger.Info("change feed unavailable, polling only")
		case err != nil:
			c.logger.Warn("change feed subscription failed, polling only",
				slog.String("error", err.Error()),
			)
		default:
			c.mu.Lock()
			c.feedActive = true
			c.mu.Unlock()
			c.wg.Add(1)
			go c.listen(ctx, changes)
		}
	}
	return nil
}

// Stop cancels the refresh timer and closes the change feed.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.feedActive = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

// Refresh adds every queue that holds pending work to the actionable set.
func (c *Consumer) Refresh(ctx context.Context) error {
	pending, err := c.store.QueuesWithPending(ctx, c.queues)
	if err != nil {
		return fmt.Errorf("queues with pending: %w", err)
	}
	c.mu.Lock()
	for _, q := range pending {
		c.actionable.Add(q)
	}
	c.mu.Unlock()
	return nil
}

// Poll is called by an idle worker on its poll timer. Without a live
// change feed nothing else tells the consumer about work landing in a queue
// it has dropped, so when no queue is actionable Poll refreshes from the
// store. With a live feed, or with actionable queues, it does nothing.
func (c *Consumer) Poll(ctx context.Context) error {
	c.mu.Lock()
	c.promoteDueLocked(c.now())
	idle := c.actionable.Len() == 0 && !c.feedActive
	c.mu.Unlock()

	if !idle {
		return nil
	}
	return c.Refresh(ctx)
}

// FeedActive reports whether change notifications are being received.
func (c *Consumer) FeedActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedActive
}

// AcquireNextJob claims one job from a randomly chosen actionable queue.
// Queues whose claim misses are dropped from the actionable set and their
// next due time, if any, is remembered. It returns nil, nil when no queue
// yields a job.
//
// When the returned job is non-nil the caller must call Done once the job
// has settled.
func (c *Consumer) AcquireNextJob(ctx context.Context) (*job.Job, error) {
	c.mu.Lock()
	c.promoteDueLocked(c.now())
	order := c.actionable.Shuffled(c.rng)
	c.mu.Unlock()

	for _, q := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil && !c.limiter.Acquire(q) {
			continue
		}

		j, err := c.store.ClaimNext(ctx, []string{q})
		if err != nil {
			c.release(q)
			return nil, fmt.Errorf("claim from %q: %w", q, err)
		}
		if j != nil {
			return j, nil
		}
		c.release(q)
		c.miss(ctx, q)
	}
	return nil, nil
}

// Done releases the limiter slot held for a job returned by AcquireNextJob.
func (c *Consumer) Done(j *job.Job) { c.release(j.Queue) }

// NextDue returns the earliest known due time among queues with only
// future work.
func (c *Consumer) NextDue() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, due := range c.future {
		if !found || due.Before(earliest) {
			earliest, found = due, true
		}
	}
	return earliest, found
}

// Actionable returns the queues currently believed to hold claimable work.
func (c *Consumer) Actionable() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actionable.Items()
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

func (c *Consumer) release(q string) {
	if c.limiter != nil {
		c.limiter.Release(q)
	}
}

// miss drops q from the actionable set and records when it next has work.
func (c *Consumer) miss(ctx context.Context, q string) {
	next, err := c.store.PeekNext(ctx, q)
	if err != nil {
		c.logger.Warn("peek next failed",
			slog.String("queue", q),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.actionable.Remove(q)
	if next != nil && next.NextRunAt != nil {
		c.recordFutureLocked(q, *next.NextRunAt)
	}
}

// recordFutureLocked keeps the earliest due time for q. Callers hold mu.
func (c *Consumer) recordFutureLocked(q string, due time.Time) {
	if cur, ok := c.future[q]; !ok || due.Before(cur) {
		c.future[q] = due
	}
}

// promoteDueLocked moves queues whose due time has passed into the
// actionable set. Callers hold mu.
func (c *Consumer) promoteDueLocked(now time.Time) {
	for q, due := range c.future {
		if !due.After(now) {
			c.actionable.Add(q)
			delete(c.future, q)
		}
	}
}

func (c *Consumer) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("queue refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Consumer) listen(ctx context.Context, changes <-chan job.Change) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				c.mu.Lock()
				c.feedActive = false
				c.mu.Unlock()
				if ctx.Err() == nil {
					c.logger.Warn("change feed closed, polling only")
				}
				return
			}
			c.handleChange(ch)
		}
	}
}

// handleChange records the queue's due time and wakes the worker.
func (c *Consumer) handleChange(ch job.Change) {
	if ch.Locked || ch.Queue == "" {
		return
	}
	c.mu.Lock()
	c.recordFutureLocked(ch.Queue, ch.NextRunAt)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}
