package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cronrelay/internal/config"
	logx "cronrelay/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cronrelay.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAppDeliversSeedJob(t *testing.T) {
	var hits atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		hits.Add(1)
	}))
	defer srv.Close()

	path := writeConfig(t, fmt.Sprintf(`{
  "logging": {"level": "error", "console": true},
  "storage": {"driver": "memory"},
  "scheduler": {"enabled": true, "poll_interval": "100ms"},
  "dispatcher": {"enabled": true, "workers": 2, "poll_interval": "50ms"},
  "api": {"enabled": true, "addr": "127.0.0.1:0"},
  "observability": {"enabled": false},
  "alerts": {"enabled": false},
  "jobs": [{"id": "tick", "schedule": "* * * * * *", "url": %q, "body": "{\"job\":\"{{.JobID}}\"}"}]
}`, srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if hits.Load() == 0 {
		t.Fatalf("seed job never delivered")
	}
	if b, _ := lastBody.Load().(string); b != `{"job":"tick"}` {
		t.Fatalf("body=%q", b)
	}

	addr := a.api.Addr()
	resp, err := http.Get("http://" + addr + "/v1/jobs/tick/deliveries")
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"job_id":"tick"`) {
		t.Fatalf("deliveries: %d %s", resp.StatusCode, body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestNewRejectsInvalidSeedJob(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "jobs": [{"id": "bad", "schedule": "61 * * * *", "url": "https://example.com"}]
}`)
	_, err := New(context.Background(), path)
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want ConfigError", err)
	}
}

func TestMapDispatcher(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Dispatcher: config.DispatcherConfig{
		Enabled:       true,
		RetryBase:     "100ms",
		RetryMaxDelay: "2s",
		ReapInterval:  "5s",
	}}
	got, err := mapDispatcher(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Retry.Base != 100*time.Millisecond || got.Retry.Max != 2*time.Second || got.Retry.Jitter != 0.2 || got.ReapInterval != 5*time.Second {
		t.Fatalf("dispatcher=%+v", got)
	}

	cfg.Dispatcher.LeaseTTL = "soon"
	if _, err := mapDispatcher(cfg); err == nil || !strings.Contains(err.Error(), "dispatcher.lease_ttl") {
		t.Fatalf("bad lease_ttl err=%v", err)
	}
}

func TestMapAlertsDefaultsToLogSink(t *testing.T) {
	t.Parallel()

	got, err := mapAlerts(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.DedupWindow != 10*time.Minute {
		t.Fatalf("alerts=%+v", got)
	}
	sinks, err := buildSinks(&config.Config{}, logx.Nop())
	if err != nil || len(sinks) != 1 || sinks[0].Name() != "log" {
		t.Fatalf("sinks=%v err=%v", sinks, err)
	}
}

func TestMapSeedJobs(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Jobs: []config.JobConfig{
		{ID: " a ", Schedule: "@hourly", URL: "https://example.com", Method: "put", Disabled: true},
	}}
	specs := mapSeedJobs(cfg)
	if len(specs) != 1 || specs[0].ID != "a" || specs[0].Enabled == nil || *specs[0].Enabled {
		t.Fatalf("specs=%+v", specs)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	cfg.Jobs[0].URL = "not a url"
	if err := validate(cfg); err == nil {
		t.Fatalf("bad url accepted")
	}
}
