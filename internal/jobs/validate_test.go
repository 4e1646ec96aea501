package jobs

import (
	"errors"
	"testing"

	"cronrelay/internal/storage"
)

func validJob() storage.Job {
	return storage.Job{
		ID:       "nightly-report",
		Schedule: "0 3 * * *",
		Target:   storage.Target{URL: "https://example.com/hook", Method: "POST", Body: "{}"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		mut       func(j *storage.Job)
		wantSched bool
		wantField string
	}{
		{"ok", func(j *storage.Job) {}, false, ""},
		{"bad id", func(j *storage.Job) { j.ID = "has space" }, false, "id"},
		{"bad cron", func(j *storage.Job) { j.Schedule = "every day" }, true, ""},
		{"bad tz", func(j *storage.Job) { j.Timezone = "Nowhere/Land" }, true, ""},
		{"relative url", func(j *storage.Job) { j.Target.URL = "/hook" }, false, "url"},
		{"ftp url", func(j *storage.Job) { j.Target.URL = "ftp://example.com" }, false, "url"},
		{"bad method", func(j *storage.Job) { j.Target.Method = "TRACE" }, false, "method"},
		{"reserved header", func(j *storage.Job) {
			j.Target.Headers = map[string]string{"X-Cronrelay-Delivery-Id": "x"}
		}, false, "headers"},
		{"bad header name", func(j *storage.Job) { j.Target.Headers = map[string]string{"Bad Header": "x"} }, false, "headers"},
		{"bad template", func(j *storage.Job) { j.Target.Body = "{{.JobID" }, false, "body"},
		{"unknown template field", func(j *storage.Job) { j.Target.Body = "{{.Nope}}" }, false, "body"},
		{"negative attempts", func(j *storage.Job) { j.MaxAttempts = -1 }, false, "max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := validJob()
			tc.mut(&j)
			err := Validate(j, nil)
			switch {
			case tc.wantSched:
				var se *ScheduleError
				if !errors.As(err, &se) || se.JobID != j.ID {
					t.Fatalf("want *ScheduleError, got %v", err)
				}
			case tc.wantField != "":
				var ce *ConfigurationError
				if !errors.As(err, &ce) || ce.Field != tc.wantField {
					t.Fatalf("want ConfigurationError on %q, got %v", tc.wantField, err)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected: %v", err)
				}
			}
		})
	}
}
