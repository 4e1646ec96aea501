package jobs

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"cronrelay/internal/storage"
)

const MaxAttemptsLimit = 100

var (
	reJobID      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	reHeaderName = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9A-Za-z-]+$")
)

var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

// reserved headers are set by the relay on every delivery
var reservedHeaders = []string{"host", "content-length", "x-cronrelay-"}

// Validate checks a job definition. The first problem found is returned as
// a *ScheduleError or *ConfigurationError.
func Validate(j storage.Job, def *time.Location) error {
	if !reJobID.MatchString(j.ID) {
		return &ConfigurationError{JobID: j.ID, Field: "id", Err: errors.New("must be 1-128 chars of letters, digits, '.', '_' or '-'")}
	}
	if _, err := ParseSchedule(j.Schedule, j.Timezone, def); err != nil {
		var se *ScheduleError
		if errors.As(err, &se) {
			se.JobID = j.ID
		}
		return err
	}
	if err := ValidateURL(j.Target.URL); err != nil {
		return &ConfigurationError{JobID: j.ID, Field: "url", Err: err}
	}
	if _, ok := allowedMethods[NormalizeMethod(j.Target.Method)]; !ok {
		return &ConfigurationError{JobID: j.ID, Field: "method", Err: fmt.Errorf("unsupported method %q", j.Target.Method)}
	}
	for name := range j.Target.Headers {
		if !reHeaderName.MatchString(name) {
			return &ConfigurationError{JobID: j.ID, Field: "headers", Err: fmt.Errorf("invalid header name %q", name)}
		}
		low := strings.ToLower(name)
		for _, r := range reservedHeaders {
			if low == r || (strings.HasSuffix(r, "-") && strings.HasPrefix(low, r)) {
				return &ConfigurationError{JobID: j.ID, Field: "headers", Err: fmt.Errorf("header %q is set by the relay", name)}
			}
		}
	}
	if j.MaxAttempts < 0 || j.MaxAttempts > MaxAttemptsLimit {
		return &ConfigurationError{JobID: j.ID, Field: "max_attempts", Err: fmt.Errorf("must be between 0 and %d", MaxAttemptsLimit)}
	}
	return checkTemplates(j)
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not supported (use http or https)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must be absolute")
	}
	return nil
}
