package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

const (
	HeaderDeliveryID = "X-Cronrelay-Delivery-Id"
	HeaderJobID      = "X-Cronrelay-Job-Id"
	HeaderFireAt     = "X-Cronrelay-Fire-At"

	DefaultUserAgent = "cronrelay/1.0"

	maxSnippet = 512
	maxDrain   = 64 << 10
)

// Delivery is one attempt to send an intent's captured request.
type Delivery struct {
	IntentID string
	JobID    string
	FireAt   time.Time
	Attempt  int
	Request  storage.Request
}

// Result is the classified outcome of one attempt. Err is nil only for
// success; it is a *DeliveryTransportError, a *DeliveryRejectedError or
// wraps ErrInvalidTarget.
type Result struct {
	Outcome    storage.Outcome
	StatusCode int
	Duration   time.Duration
	RetryAfter time.Duration
	Err        error
}

func (r Result) Retryable() bool { return r.Outcome == storage.OutcomeRetryable }

type Options struct {
	Timeout   time.Duration // per attempt; default 10s
	UserAgent string
	// MaxIdleConnsPerHost sizes the keep-alive pool; usually the worker count.
	MaxIdleConnsPerHost int
	// Transport overrides the default transport (tests).
	Transport http.RoundTripper
	Now       func() time.Time
	Log       logx.Logger
}

// Client sends captured requests. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	timeout time.Duration
	ua      string
	now     func() time.Time
	log     logx.Logger
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	rt := opts.Transport
	if rt == nil {
		idle := opts.MaxIdleConnsPerHost
		if idle <= 0 {
			idle = 8
		}
		rt = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   idle,
			IdleConnTimeout:       5 * time.Minute,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return &Client{
		http:    &http.Client{Transport: rt},
		timeout: opts.Timeout,
		ua:      opts.UserAgent,
		now:     opts.Now,
		log:     opts.Log.With(logx.String("comp", "relay")),
	}
}

// Deliver sends d once and classifies the result. The request body is sent
// exactly as captured.
func (c *Client) Deliver(ctx context.Context, d Delivery) Result {
	start := time.Now()
	req, err := c.build(ctx, d)
	if err != nil {
		return Result{Outcome: storage.OutcomeInvalid, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req = req.WithContext(cctx)

	resp, err := c.http.Do(req)
	if err != nil {
		res := Result{Outcome: storage.OutcomeRetryable, Duration: time.Since(start)}
		res.Err = &DeliveryTransportError{URL: redactURL(req.URL), Timeout: isTimeout(err), Err: unwrapURLError(err)}
		return res
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxSnippet))
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	res := Result{
		Outcome:    Classify(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	}
	if res.Outcome == storage.OutcomeSuccess {
		return res
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		res.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	}
	res.Err = &DeliveryRejectedError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
		Retryable:  res.Outcome == storage.OutcomeRetryable,
		RetryAfter: res.RetryAfter,
	}
	c.log.Debug("delivery rejected",
		logx.String("delivery_id", d.IntentID),
		logx.Int("status", resp.StatusCode),
		logx.Duration("retry_after", res.RetryAfter),
	)
	return res
}

func (c *Client) build(ctx context.Context, d Delivery) (*http.Request, error) {
	u, err := url.Parse(strings.TrimSpace(d.Request.URL))
	if err != nil {
		return nil, errors.Join(ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Join(ErrInvalidTarget, errors.New("url must be absolute http or https"))
	}
	method := strings.ToUpper(strings.TrimSpace(d.Request.Method))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if d.Request.Body != "" {
		body = strings.NewReader(d.Request.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Join(ErrInvalidTarget, err)
	}

	req.Header.Set("User-Agent", c.ua)
	if d.Request.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range d.Request.Headers {
		if strings.TrimSpace(k) == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderDeliveryID, d.IntentID)
	req.Header.Set(HeaderJobID, d.JobID)
	req.Header.Set(HeaderFireAt, d.FireAt.UTC().Format(time.RFC3339))
	return req, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// *url.Error repeats method and URL; the transport error already names the URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
