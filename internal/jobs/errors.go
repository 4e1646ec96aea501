package jobs

import "fmt"

// ScheduleError reports a cron expression or timezone that cannot produce
// fire times. The scheduler disables the job when it sees one.
type ScheduleError struct {
	JobID string
	Expr  string
	Err   error
}

func (e *ScheduleError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s: schedule %q: %v", e.JobID, e.Expr, e.Err)
	}
	return fmt.Sprintf("schedule %q: %v", e.Expr, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid job definition outside the schedule:
// target URL, method, headers or templates.
type ConfigurationError struct {
	JobID string
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
