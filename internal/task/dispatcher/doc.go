// Package dispatcher drains delivery intents from the store and sends them
// through the relay client.
//
// Lifecycle of one intent:
//
//	pending -> attempting -> success
//	                      -> retry_scheduled -> attempting ...
//	                      -> exhausted
//
// Claims are leases. A worker extends its lease while the request is in
// flight; a lease that expires (crash, partition) is reclaimed by the
// reaper and the intent retried. Nothing here touches a job's schedule.
package dispatcher
