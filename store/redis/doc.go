// Package redis adds a Redis pub/sub change feed to any store.Store. It is
// meant for MongoDB deployments without change streams (standalone
// servers) where workers would otherwise rely on polling alone.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(mongostore.New(db), client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// Enqueues, retries, resets and lock releases made through the wrapper are
// published on mongojobs:changes:{queue}. Writes made by processes that do
// not use the wrapper are still found by the consumers' periodic refresh.
package redis
