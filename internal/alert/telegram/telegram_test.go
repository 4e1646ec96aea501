package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cronrelay/internal/alert"
)

func TestFormatEscapesHTML(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	got := Format(alert.Alert{Severity: alert.SeverityCritical, Title: "job <a> disabled", Text: "reason & more", At: at})
	for _, want := range []string{"<b>job &lt;a&gt; disabled</b>", "reason &amp; more", "2025-05-01T08:00:00Z"} {
		if !strings.Contains(got, want) {
			t.Fatalf("%q missing %q", got, want)
		}
	}

	long := Format(alert.Alert{Title: "t", Text: strings.Repeat("é", 5000)})
	if len(long) > textLimit || !strings.HasSuffix(long, "…") {
		t.Fatalf("long message len=%d", len(long))
	}
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatalf("missing token accepted")
	}
	if _, err := New(Config{Token: "x"}); err == nil {
		t.Fatalf("missing chat accepted")
	}
}

func TestSendPostsToBotAPI(t *testing.T) {
	t.Parallel()

	var (
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"group"}}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "tok", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), alert.Alert{Title: "store unavailable", Text: "breaker open"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path=%q", path)
	}
	if body["parse_mode"] != "HTML" || !strings.Contains(body["text"].(string), "store unavailable") {
		t.Fatalf("body=%v", body)
	}
}
