// Package engine wires the mongojobs subsystems together: the job registry,
// the cron scheduler, the fair queue consumer, the worker and the
// instrumentation. It is the operational surface applications use to
// register handlers, enqueue work and run workers.
//
// This package exists to break the import cycle: the root mongojobs package
// defines Config and the sentinel errors imported by every subsystem, and so
// cannot import those subsystems back.
//
// # Building an Engine
//
//	s := mongostore.New(client.Database("app"))
//	if err := s.Migrate(ctx); err != nil { ... }
//
//	eng, err := engine.New(s,
//	    engine.WithConcurrency(20),
//	    engine.WithLockTimeout(5*time.Minute),
//	    engine.WithExtension(myExtension),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:      "emails",
//	        RateLimit: 100,
//	    }),
//	)
//
// # Registering Work
//
//	SendEmail := job.NewDefinition("send-email", sendEmail, job.WithMaxAttempts(5))
//	eng.Register(SendEmail, "notifications")
//
//	eng.RegisterCron(ctx, cron.Registration{
//	    ScheduleName:   "daily-report",
//	    CronExpression: "0 9 * * *",
//	    TimeZone:       "Europe/Berlin",
//	    HandlerName:    "generate-report",
//	})
//
// # Enqueuing Jobs
//
//	engine.Enqueue(ctx, eng, SendEmail, EmailInput{To: "user@example.com"})
//
//	// Delayed, and deduplicated while pending.
//	engine.Enqueue(ctx, eng, SendEmail, input,
//	    job.WithDelay(5*time.Minute),
//	    job.WithUniqueKey("welcome:"+userID),
//	)
//
// # Running Workers
//
//	eng.Start(ctx, "notifications")
//	defer eng.Stop(30 * time.Second)
//
// Tests can skip the worker entirely and call [Engine.Drain] or
// [Engine.DrainGroups] to execute every due job synchronously.
package engine
