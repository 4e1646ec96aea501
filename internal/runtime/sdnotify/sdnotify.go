// Package sdnotify reports readiness to systemd and feeds its watchdog
// while the store is healthy.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "cronrelay/internal/runtime/supervisor"
	logx "cronrelay/pkg/logx"
)

// Notifier is a no-op outside systemd (NOTIFY_SOCKET unset).
type Notifier struct {
	log    logx.Logger
	health func() error
	notify func(state string) (bool, error)
	// watchdog interval; 0 when the unit has no WatchdogSec
	interval time.Duration
}

// New reads WATCHDOG_USEC. health gates the watchdog ping; nil means always healthy.
func New(health func() error, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:    log.With(logx.String("comp", "systemd")),
		health: health,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
	} else {
		n.interval = d
	}
	return n
}

func (n *Notifier) send(state string) {
	ok, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form unit status line.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watch pings the watchdog at half its interval until ctx ends. A failing
// health check skips the ping, so systemd restarts a process whose store
// stays unavailable past WatchdogSec.
func (n *Notifier) Watch(sup *rtsup.Supervisor) {
	if n.interval <= 0 {
		return
	}
	sup.GoRestart("systemd.watchdog", func(ctx context.Context) error {
		n.loop(ctx, n.interval/2)
		return nil
	})
}

func (n *Notifier) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var err error
		if n.health != nil {
			err = n.health()
		}
		if err != nil {
			if healthy {
				n.log.Warn("watchdog withheld: store unhealthy", logx.Err(err))
				n.Status("store unavailable")
			}
			healthy = false
			continue
		}
		if !healthy {
			n.log.Info("watchdog resumed")
			n.Status("running")
		}
		healthy = true
		n.send(daemon.SdNotifyWatchdog)
	}
}
