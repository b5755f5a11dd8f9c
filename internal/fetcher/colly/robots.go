package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Reasons reported through Config.OnRobotsFallback.
const (
	RobotsReasonTimeout     = "robots.txt timeout"
	RobotsReasonServerError = "robots.txt server error"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var robotsBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// robotsTransport guards robots.txt probes. Colly treats an unreachable or
// 5xx robots.txt as disallow-all, which would fail every paper on a host
// whose robots endpoint is briefly down. Probes that time out or answer 5xx
// are retried; once the backoff schedule is spent the transport answers with
// an allow-all policy and reports the fallback.
type robotsTransport struct {
	base       http.RoundTripper
	onFallback func(host, reason string)
	backoff    []time.Duration
}

func newRobotsTransport(base http.RoundTripper, onFallback func(host, reason string)) *robotsTransport {
	return &robotsTransport{base: base, onFallback: onFallback, backoff: robotsBackoff}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	var reason string
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return resp, nil
		case err == nil:
			_ = resp.Body.Close()
			reason = RobotsReasonServerError
		case isTimeout(err):
			reason = RobotsReasonTimeout
		default:
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt >= len(t.backoff) {
			break
		}
		if err := sleepCtx(req.Context(), t.backoff[attempt]); err != nil {
			return nil, err
		}
	}

	if t.onFallback != nil {
		t.onFallback(req.URL.Hostname(), reason)
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
