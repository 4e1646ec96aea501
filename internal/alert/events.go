package alert

import (
	"fmt"
	"strings"

	"cronrelay/internal/eventbus"
)

// FromEvent maps a bus event to an alert. ok is false for events that
// are not worth waking anyone up for.
func FromEvent(e eventbus.Event) (a Alert, ok bool) {
	a.At = e.Time
	switch e.Type {
	case eventbus.JobDisabled:
		d, _ := e.Data.(eventbus.JobDisabledData)
		a.Key = "job.disabled|" + d.JobID
		a.Severity = SeverityCritical
		a.Title = "job disabled"
		a.Text = fmt.Sprintf("Job %s was disabled (%s error): %s", d.JobID, d.Kind, d.Reason)
		return a, true

	case eventbus.DeliveryExhausted:
		d, _ := e.Data.(eventbus.DeliveryData)
		// one alert per job and window, not per occurrence
		a.Key = "delivery.exhausted|" + d.JobID
		a.Severity = SeverityWarning
		a.Title = "delivery exhausted"
		var b strings.Builder
		fmt.Fprintf(&b, "Delivery %s of job %s gave up after %d attempt(s)", d.IntentID, d.JobID, d.Attempts)
		if d.Status > 0 {
			fmt.Fprintf(&b, ", last status %d", d.Status)
		}
		if d.Error != "" {
			fmt.Fprintf(&b, ": %s", d.Error)
		}
		a.Text = b.String()
		return a, true

	case eventbus.StorageBreaker:
		d, _ := e.Data.(eventbus.BreakerData)
		switch d.To {
		case "open":
			a.Key = "storage.breaker|open"
			a.Severity = SeverityCritical
			a.Title = "store unavailable"
			a.Text = "Store circuit breaker opened; scheduling and delivery are paused until it recovers."
			return a, true
		case "closed":
			a.Key = "storage.breaker|closed"
			a.Severity = SeverityInfo
			a.Title = "store recovered"
			a.Text = fmt.Sprintf("Store circuit breaker closed (was %s).", d.From)
			return a, true
		}
	}
	return Alert{}, false
}
