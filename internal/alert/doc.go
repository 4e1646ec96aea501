// Package alert turns operational events into operator alerts.
//
// Alerts are queued and sent asynchronously by a small worker pool. Sends
// are rate limited, retried with exponential backoff, and identical alerts
// (same key) are suppressed inside a dedup window so a flapping endpoint or
// a store outage produces one message, not hundreds.
//
// # Sinks
//
// Every alert goes to every configured Sink. LogSink writes to the process
// log; alert/telegram posts to a chat through the Bot API.
//
// # Sources
//
// Watch subscribes to the event bus and converts job.disabled,
// delivery.exhausted and storage.breaker events (see FromEvent).
package alert
