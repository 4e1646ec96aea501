// Package supervisor runs named long-lived goroutines under one context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "cronrelay/pkg/logx"
)

// Supervisor owns a cancelable context and every goroutine started through it.
// Panics are recovered and turned into errors; the first error is kept.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	errOnce  sync.Once
	firstErr atomic.Value // error

	mu    sync.Mutex
	tasks map[string]*taskState
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

type taskState struct {
	running  bool
	runs     uint64
	restarts uint64
	panics   uint64
	lastErr  string
	started  time.Time
	stopped  time.Time
}

// TaskStatus is the externally visible state of one named goroutine.
type TaskStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*taskState{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Snapshot lists every task seen so far, running ones first.
func (s *Supervisor) Snapshot() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for name, t := range s.tasks {
		out = append(out, TaskStatus{
			Name:      name,
			Running:   t.running,
			Runs:      t.runs,
			Restarts:  t.restarts,
			Panics:    t.panics,
			LastErr:   t.lastErr,
			StartedAt: t.started,
			StoppedAt: t.stopped,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Running != out[j].Running {
			return out[i].Running
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) begin(name string, restart bool) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &taskState{}
		s.tasks[name] = t
	}
	t.running = true
	t.runs++
	if restart {
		t.restarts++
	}
	t.started = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) end(name string, err error, panicked bool) {
	s.mu.Lock()
	if t := s.tasks[name]; t != nil {
		t.running = false
		t.stopped = time.Now()
		if panicked {
			t.panics++
		}
		if err != nil {
			t.lastErr = err.Error()
		}
	}
	s.mu.Unlock()
}

// run calls fn once and converts a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(s.ctx), false
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A non-nil error (other than cancellation) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.begin(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err, panicked := s.run(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.end(name, err, panicked)
		if err != nil {
			s.fail(err)
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

type restartConfig struct {
	initial     time.Duration
	max         time.Duration
	maxRestarts int
}

type RestartOption func(*restartConfig)

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(initial, max time.Duration) RestartOption {
	return func(c *restartConfig) {
		if initial > 0 {
			c.initial = initial
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. n <= 0 means forever.
func WithMaxRestarts(n int) RestartOption { return func(c *restartConfig) { c.maxRestarts = n } }

// GoRestart keeps fn running until the context ends. Errors and panics
// restart it after a jittered exponential delay; a nil return stops it.
// Giving up after WithMaxRestarts is a supervisor failure.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartConfig{initial: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.initial
	bo.MaxInterval = max(cfg.max, cfg.initial)
	bo.MaxElapsedTime = 0
	bo.Reset()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		restarts := 0
		for s.ctx.Err() == nil {
			s.begin(name, restarts > 0)
			startedAt := time.Now()
			err, panicked := s.run(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.end(name, nil, panicked)
				return
			}
			if err == nil && !panicked {
				s.end(name, nil, false)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.end(name, err, panicked)

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				s.fail(err)
				return
			}
			// a long healthy run earns a fresh backoff window
			if time.Since(startedAt) >= 30*time.Second {
				bo.Reset()
			}
			wait := bo.NextBackOff()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}

// Stop cancels the context and waits for every goroutine or ctx expiry.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
