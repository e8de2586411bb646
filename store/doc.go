// Package store defines the aggregate persistence interface.
//
// The job and cron packages each define their own store contract. The
// composite [Store] composes them, so a backend need only implement Store
// to satisfy both:
//
//	type Store interface {
//	    job.Store
//	    cron.Store
//
//	    Migrate(ctx context.Context) error
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory: in-memory store for development and testing
//   - store/mongo: MongoDB backend using mongo-driver v2
//
// The notify/redis package wraps any Store and adds a Redis pub/sub change
// feed for deployments whose MongoDB cannot serve change streams.
//
// # Usage
//
//	client, err := mongo.Connect(options.Client().ApplyURI(uri))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(ctx)
//
//	s := mongostore.New(client.Database("jobs"))
//	eng, err := engine.New(engine.WithStore(s))
//
// # Migrations
//
// Call Migrate once at startup to create the indexes the claim path and
// the unique-key constraint depend on:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
