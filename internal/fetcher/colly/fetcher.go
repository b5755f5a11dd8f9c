// Package collyfetcher implements harvest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

// Default limits applied when Config leaves them unset.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 64 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int64
	// OnRobotsFallback is invoked when robots.txt could not be read and an
	// allow-all policy was assumed.
	OnRobotsFallback func(host, reason string)
}

// Fetcher performs one GET per call. It never retries.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// outcome is filled by collector callbacks for a single visit.
type outcome struct {
	status int
	final  string
	body   []byte
	err    error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.Async(false))
	// Retries revisit the same URL; the ledger decides what is done.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	// One byte over the limit lets oversized bodies be detected rather than
	// silently truncated.
	c.MaxBodySize = int(cfg.MaxBodyBytes) + 1

	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = newRobotsTransport(transport, cfg.OnRobotsFallback)
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and classifies the outcome.
func (f *Fetcher) Fetch(ctx context.Context, url string) harvest.FetchResult {
	start := time.Now()
	var out outcome
	collector := f.buildCollector(&out)

	res := f.runCollector(ctx, collector, url, &out)
	res.Duration = time.Since(start)
	return res
}

func (f *Fetcher) buildCollector(out *outcome) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	configureCollectorHooks(collector, out)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, out *outcome) {
	hooks.OnResponse(func(r *colly.Response) {
		out.status = r.StatusCode
		out.body = append([]byte(nil), r.Body...)
		if r.Request != nil && r.Request.URL != nil {
			out.final = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		out.err = err
		if r != nil && r.StatusCode != 0 {
			out.status = r.StatusCode
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, out *outcome) harvest.FetchResult {
	if err := ctx.Err(); err != nil {
		return harvest.Transient(url, 0, "canceled")
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return harvest.Transient(url, 0, "canceled")
	case err := <-done:
		if err == nil {
			err = out.err
		}
		return f.classify(url, *out, err)
	}
}

// classify maps a finished visit onto the FetchResult variants.
func (f *Fetcher) classify(url string, out outcome, err error) harvest.FetchResult {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return harvest.Permanent(url, out.status, "disallowed by robots.txt")
	case out.status == 0 && err != nil:
		return harvest.Transient(url, 0, err.Error())
	case out.status == 0:
		return harvest.Transient(url, 0, "no response")
	}
	return f.classifyStatus(url, out)
}

func (f *Fetcher) classifyStatus(url string, out outcome) harvest.FetchResult {
	status := out.status
	switch {
	case status >= 200 && status < 300:
		if int64(len(out.body)) > f.cfg.MaxBodyBytes {
			return harvest.Permanent(url, status, fmt.Sprintf("body exceeds %d bytes", f.cfg.MaxBodyBytes))
		}
		res := harvest.Success(url, status, out.body)
		if out.final != "" {
			res.FinalURL = out.final
		}
		return res
	case status == http.StatusTooManyRequests || status >= 500:
		return harvest.Transient(url, status, http.StatusText(status))
	default:
		return harvest.Permanent(url, status, http.StatusText(status))
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
