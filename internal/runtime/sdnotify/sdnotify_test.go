package sdnotify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "cronrelay/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestWatchdogGatedOnHealth(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	down.Store(true)
	rec := &recorder{}
	n := &Notifier{log: logx.Nop(), notify: rec.notify, health: func() error {
		if down.Load() {
			return errors.New("breaker open")
		}
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.loop(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if c := rec.count("WATCHDOG=1"); c != 0 {
		t.Fatalf("watchdog fed while unhealthy: %d", c)
	}
	if rec.count("STATUS=store unavailable") != 1 {
		t.Fatalf("status not reported once: %v", rec.states)
	}

	down.Store(false)
	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if rec.count("WATCHDOG=1") == 0 {
		t.Fatalf("watchdog not resumed: %v", rec.states)
	}
}

func TestReadyAndStopping(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := &Notifier{log: logx.Nop(), notify: rec.notify}
	n.Ready()
	n.Stopping()
	if rec.count("READY=1") != 1 || rec.count("STOPPING=1") != 1 {
		t.Fatalf("states=%v", rec.states)
	}
}
