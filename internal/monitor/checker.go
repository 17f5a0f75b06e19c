// checker.go implements the single HTTP probe used by the monitor engine and
// by the ad hoc health-check endpoint.
//
// A probe is one GET request bounded by a timeout. Redirects are followed by
// the http.Client. Any 2xx answer is healthy; everything else (non-2xx status,
// timeout, DNS or connection failure) is unhealthy and carries an error
// message. The checker keeps no state between calls.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is used when a probe is requested with a zero timeout.
	DefaultTimeout = 5 * time.Second

	userAgent = "PortKnox-Monitor/1.0"

	// maxDrainBytes bounds how much of a response body is read before closing
	// so keep-alive connections can be reused.
	maxDrainBytes = 64 << 10
)

// Result is the outcome of one probe.
type Result struct {
	Healthy      bool          `json:"healthy"`
	StatusCode   *int          `json:"status_code,omitempty"`
	Elapsed      time.Duration `json:"-"`
	ElapsedMs    int64         `json:"response_time_ms"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// Prober is what the Engine needs from a checker.
type Prober interface {
	Check(ctx context.Context, url string, timeout time.Duration) Result
}

// Checker probes URLs over HTTP.
type Checker struct {
	Client *http.Client
}

func NewChecker() *Checker {
	return &Checker{Client: &http.Client{}}
}

// Check issues one GET to url bounded by timeout.
func (c *Checker) Check(ctx context.Context, url string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	res := Result{CheckedAt: start.UTC()}
	finish := func() Result {
		res.Elapsed = time.Since(start)
		res.ElapsedMs = res.Elapsed.Milliseconds()
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.ErrorMessage = fmt.Sprintf("invalid url: %v", err)
		return finish()
	}
	req.Header.Set("User-Agent", userAgent)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.ErrorMessage = fmt.Sprintf("timeout after %dms", timeout.Milliseconds())
		case errors.Is(err, context.Canceled):
			res.ErrorMessage = "check canceled"
		default:
			res.ErrorMessage = err.Error()
		}
		return finish()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	code := resp.StatusCode
	res.StatusCode = &code
	if code >= 200 && code <= 299 {
		res.Healthy = true
	} else {
		res.ErrorMessage = fmt.Sprintf("HTTP %d: %s", code, http.StatusText(code))
	}
	return finish()
}
