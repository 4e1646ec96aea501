package scheduler

import (
	"time"

	logx "cronrelay/pkg/logx"
)

const storeWarnThrottle = 30 * time.Second

// storeFailed records a store error for one job. The job stays due and is
// retried next tick; the warning is throttled per job so a long outage does
// not flood the log.
func (s *Service) storeFailed(jobID, op string, err error) {
	s.metrics.ScheduleError("store")
	s.metrics.StoreError(op)

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[jobID]
	if !last.IsZero() && now.Sub(last) < storeWarnThrottle {
		s.warnMu.Unlock()
		s.log.Debug("store error", logx.String("job_id", jobID), logx.String("op", op), logx.Err(err))
		return
	}
	s.lastWarn[jobID] = now
	if len(s.lastWarn) > 10_000 {
		for k, t := range s.lastWarn {
			if now.Sub(t) >= storeWarnThrottle {
				delete(s.lastWarn, k)
			}
		}
	}
	s.warnMu.Unlock()

	s.log.Warn("store error; job retried next tick", logx.String("job_id", jobID), logx.String("op", op), logx.Err(err))
}
