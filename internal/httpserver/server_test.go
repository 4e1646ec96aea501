package httpserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "cronrelay/pkg/logx"
)

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "pong") })
	s := New(Config{Name: "test", Addr: "127.0.0.1:0"}, h, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(b) != "pong" {
		t.Fatalf("body=%q", b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("still listening after Stop")
	}
}

func TestRequireToken(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := RequireToken("s3cret", ok)

	cases := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"missing", "/", "", http.StatusUnauthorized},
		{"wrong bearer", "/", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/", "Bearer s3cret", http.StatusNoContent},
		{"query", "/?token=s3cret", "", http.StatusNoContent},
		{"wrong query wins over bearer", "/?token=x", "Bearer s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: code=%d want %d", tc.name, rec.Code, tc.want)
		}
	}

	if RequireToken("", ok) == nil {
		t.Fatalf("empty token must pass through")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:80":  true,
		"localhost:1":   true,
		"[::1]:5001":    true,
		":8080":         false,
		"0.0.0.0:8080":  false,
		"10.0.0.1:8080": false,
		"garbage":       false,
	} {
		if got := IsLoopbackAddr(addr); got != want {
			t.Fatalf("IsLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}
