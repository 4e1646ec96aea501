// Package observability serves metrics, health and profiling endpoints on
// the operator listener.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"cronrelay/internal/httpserver"
	"cronrelay/internal/observability/metrics"
)

type Options struct {
	Metrics *metrics.Metrics

	// Ready fails while the store is unreachable or its breaker is open.
	Ready func(ctx context.Context) error
	// Status is rendered as the /healthz body.
	Status func() any

	Pprof       bool
	PprofPrefix string // default /debug/pprof/
	Token       string // guards pprof only
}

// Handler builds the operator mux:
//
//	GET /metrics  Prometheus exposition
//	GET /healthz  liveness plus component status
//	GET /readyz   503 while the store is unavailable
func Handler(o Options) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", o.Metrics.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if o.Status != nil {
			body["components"] = o.Status()
		}
		writeJSON(w, http.StatusOK, body)
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if o.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := o.Ready(ctx)
			cancel()
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	if o.Pprof {
		prefix := normalizePrefix(o.PprofPrefix)
		base := strings.TrimSuffix(prefix, "/")
		guard := func(h http.HandlerFunc) http.Handler { return httpserver.RequireToken(o.Token, h) }
		mux.Handle(prefix, guard(pprofIndexAt(prefix)))
		mux.Handle(base+"/cmdline", guard(hpprof.Cmdline))
		mux.Handle(base+"/profile", guard(hpprof.Profile))
		mux.Handle(base+"/symbol", guard(hpprof.Symbol))
		mux.Handle(base+"/trace", guard(hpprof.Trace))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index resolves profiles relative to /debug/pprof/; rewrite the
// path so a custom prefix works.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}
