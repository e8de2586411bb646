// Package mongo implements store.Store on MongoDB using the official Go
// driver. Claims use FindOneAndUpdate so that concurrent workers never
// lock the same job; deduplication relies on a unique sparse index on
// uniqueKey; wake-ups use change streams when the deployment is a replica
// set.
//
// The caller owns the client lifecycle. Pass a database handle:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	st := mongostore.New(client.Database("app"))
//	if err := st.Migrate(ctx); err != nil { ... }
//
// Enqueues honour a session carried in the context, so a job can be
// created inside the caller's transaction.
package mongo
