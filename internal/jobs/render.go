package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"
	"time"

	"cronrelay/internal/storage"
)

// RenderContext is the data visible to header and body templates.
type RenderContext struct {
	JobID       string
	JobName     string
	DeliveryID  string
	FireAt      time.Time
	ScheduledAt time.Time
}

var funcs = template.FuncMap{
	"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"unix":    func(t time.Time) int64 { return t.Unix() },
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

func parseTemplate(name, src string) (*template.Template, error) {
	return template.New(name).Option("missingkey=error").Funcs(funcs).Parse(src)
}

func execute(name, src string, rc RenderContext) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	tpl, err := parseTemplate(name, src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, rc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render produces the concrete request for one occurrence. The URL is used
// verbatim; header values and the body are templates.
func Render(t storage.Target, rc RenderContext) (storage.Request, error) {
	req := storage.Request{
		Method: NormalizeMethod(t.Method),
		URL:    strings.TrimSpace(t.URL),
	}
	if len(t.Headers) > 0 {
		req.Headers = make(map[string]string, len(t.Headers))
		for _, k := range slices.Sorted(maps.Keys(t.Headers)) {
			v, err := execute("header "+k, t.Headers[k], rc)
			if err != nil {
				return storage.Request{}, &ConfigurationError{JobID: rc.JobID, Field: "headers." + k, Err: err}
			}
			req.Headers[k] = v
		}
	}
	body, err := execute("body", t.Body, rc)
	if err != nil {
		return storage.Request{}, &ConfigurationError{JobID: rc.JobID, Field: "body", Err: err}
	}
	req.Body = body
	return req, nil
}

func NormalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return "POST"
	}
	return m
}

// sampleContext is used to dry-render templates during validation.
func sampleContext(j storage.Job) RenderContext {
	at := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	return RenderContext{
		JobID:       j.ID,
		JobName:     j.Name,
		DeliveryID:  "00000000-0000-0000-0000-000000000000",
		FireAt:      at,
		ScheduledAt: at,
	}
}

func checkTemplates(j storage.Job) error {
	for k, v := range j.Target.Headers {
		if _, err := parseTemplate(k, v); err != nil {
			return &ConfigurationError{JobID: j.ID, Field: "headers." + k, Err: fmt.Errorf("parse template: %w", err)}
		}
	}
	if _, err := parseTemplate("body", j.Target.Body); err != nil {
		return &ConfigurationError{JobID: j.ID, Field: "body", Err: fmt.Errorf("parse template: %w", err)}
	}
	_, err := Render(j.Target, sampleContext(j))
	return err
}
