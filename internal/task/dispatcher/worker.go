package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/relay"
	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

const finishTimeout = 10 * time.Second

// execute runs one claimed attempt and records its outcome. ctx bounds the
// HTTP request only; the outcome is always written with a fresh context.
func (s *Service) execute(ctx context.Context, c storage.Claimed) {
	cfg := s.config()
	in := c.Intent
	log := s.log.With(
		logx.String("delivery_id", in.ID),
		logx.String("job_id", in.JobID),
		logx.Int("attempt", c.Attempt.Seq),
	)

	rctx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if s.heartbeat(rctx, cfg, in) {
			lost.Store(true)
			cancel()
		}
	}()

	res := s.deliver(rctx, in, c.Attempt.Seq, log)
	cancel()
	<-hbDone

	atomic.AddUint64(&s.attempts, 1)
	s.metrics.Attempt(res.Outcome, res.Duration)

	if lost.Load() {
		// the reaper handed the intent to someone else; their result wins
		log.Warn("lease lost during attempt; outcome discarded", logx.Err(res.Err))
		return
	}

	r := s.decide(cfg, in, c.Attempt.Seq, res)
	fctx, fcancel := context.WithTimeout(context.Background(), finishTimeout)
	err := s.store.FinishAttempt(fctx, r)
	fcancel()
	switch {
	case errors.Is(err, storage.ErrLeaseLost):
		log.Warn("lease lost before the outcome was recorded", logx.String("outcome", string(res.Outcome)))
		return
	case err != nil:
		// the lease expires and the reaper retries the intent
		s.metrics.StoreError("finish_attempt")
		s.setErr(err)
		log.Error("record attempt failed", logx.Err(err), logx.String("outcome", string(res.Outcome)))
		return
	}

	data := eventbus.DeliveryData{IntentID: in.ID, JobID: in.JobID, Attempts: c.Attempt.Seq, Status: res.StatusCode, Error: r.Error}
	switch r.State {
	case storage.IntentSuccess:
		atomic.AddUint64(&s.succeeded, 1)
		s.metrics.Completed(r.State)
		log.Info("delivered", logx.Int("status", res.StatusCode), logx.Duration("took", res.Duration))
		s.publish(eventbus.DeliverySucceeded, data)
	case storage.IntentRetryScheduled:
		atomic.AddUint64(&s.retried, 1)
		log.Warn("attempt failed; retry scheduled",
			logx.String("outcome", string(res.Outcome)),
			logx.Int("status", res.StatusCode),
			logx.Duration("delay", r.NextDelay),
			logx.Err(res.Err),
		)
	case storage.IntentExhausted:
		atomic.AddUint64(&s.exhausted, 1)
		s.metrics.Completed(r.State)
		log.Error("delivery exhausted",
			logx.String("outcome", string(res.Outcome)),
			logx.Int("status", res.StatusCode),
			logx.Err(res.Err),
		)
		s.publish(eventbus.DeliveryExhausted, data)
	}
}

// deliver calls the client, turning a panic into a retryable failure.
func (s *Service) deliver(ctx context.Context, in storage.Intent, seq int, log logx.Logger) (res relay.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("delivery panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = relay.Result{Outcome: storage.OutcomeRetryable, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.client.Deliver(ctx, relay.Delivery{
		IntentID: in.ID,
		JobID:    in.JobID,
		FireAt:   in.FireAt,
		Attempt:  seq,
		Request:  in.Request,
	})
}

// decide maps a delivery result to the intent's next state.
func (s *Service) decide(cfg Config, in storage.Intent, seq int, res relay.Result) storage.AttemptResult {
	now := s.now()
	r := storage.AttemptResult{
		IntentID:   in.ID,
		LeaseToken: in.LeaseToken,
		Seq:        seq,
		FinishedAt: now,
		Outcome:    res.Outcome,
		StatusCode: res.StatusCode,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}

	ceiling := in.MaxAttempts
	if ceiling <= 0 {
		ceiling = cfg.MaxAttempts
	}

	switch res.Outcome {
	case storage.OutcomeSuccess:
		r.State = storage.IntentSuccess
	case storage.OutcomeRetryable:
		if seq >= ceiling {
			r.State = storage.IntentExhausted
			break
		}
		d := s.delay(seq, res.RetryAfter)
		r.State = storage.IntentRetryScheduled
		r.NextDelay = d
		r.NextAttemptAt = now.Add(d)
	default:
		r.State = storage.IntentExhausted
	}
	return r
}

// heartbeat extends the lease every third of its TTL until ctx ends. It
// reports true when the lease was lost.
func (s *Service) heartbeat(ctx context.Context, cfg Config, in storage.Intent) bool {
	every := cfg.LeaseTTL / 3
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
		err := s.store.ExtendLease(ctx, in.ID, in.LeaseToken, s.now().Add(cfg.LeaseTTL))
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrLeaseLost), errors.Is(err, storage.ErrIntentNotFound):
			return true
		case ctx.Err() != nil:
			return false
		default:
			s.log.Warn("lease extend failed", logx.String("delivery_id", in.ID), logx.Err(err))
		}
	}
}
