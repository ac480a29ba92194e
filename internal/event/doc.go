// Package event provides the lifecycle event bus of a job.
//
// The scheduler and job controller publish events as a job progresses; the
// JSONL sink, the terminal renderers and the job index subscribe to them.
// Events are observational only: nothing a handler does can change the
// course of a job.
//
// # Main Types
//
//   - [Event]: Interface that all events implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub dispatcher, safe for concurrent use
//   - [JSONLSink]: Writes events as newline-delimited JSON
//
// # Event Types
//
// Job: job.started, job.completed, job.error, plan.ready.
//
// Scheduling: cohort.started, cohort.completed, stage.started,
// stage.completed, artifact.created.
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//	event.NewJSONLSink(os.Stdout).Attach(bus)
//
//	bus.Subscribe(event.TypeStageCompleted, func(e event.Event) {
//	    done := e.(event.StageCompletedEvent)
//	    log.Printf("stage %d %s", done.Stage, done.Status)
//	})
//
//	bus.Publish(event.NewStageStartedEvent("job-1", 3, "draft", "Draft"))
package event
