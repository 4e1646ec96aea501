// Package scheduler turns stored cron definitions into delivery intents.
//
// Each tick:
//   - derives next_fire_at for enabled jobs that have none yet
//   - fires every due job: computes the occurrences to emit (catch-up
//     policy), renders one request per occurrence and commits the advance
//     and the intents in a single store call
//
// The scheduler never sends HTTP requests; the dispatcher drains intents.
// Several scheduler instances may run against one store: the compare-and-set
// on next_fire_at and the unique (job, fire time) key keep intents exactly-once.
package scheduler
