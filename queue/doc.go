// Package queue selects which logical queue a worker claims from next.
//
// A [Consumer] tracks the queues it believes hold claimable work in a
// [RandomSet] and tries them in random order, so every queue with due work
// gets the same chance regardless of how deep its backlog is. Queues whose
// claim misses are parked with their next due time until it passes.
//
// Work is discovered three ways: an initial [Consumer.Refresh] from the
// store, a periodic refresh, and the store's change feed when available.
// The feed only lowers latency; polling alone is sufficient.
//
// # Per-Queue Limits
//
// [Manager] caps concurrency and claim rate per queue using a token-bucket
// limiter (golang.org/x/time/rate):
//
//	limits := queue.NewManager(
//	    queue.Config{Name: "critical", MaxConcurrency: 20},
//	    queue.Config{Name: "bulk", RateLimit: 5, RateBurst: 10},
//	)
//	c := queue.NewConsumer(store, queues, queue.WithLimiter(limits))
//
// Queues without a [Config] have no limits beyond the worker's concurrency.
package queue
