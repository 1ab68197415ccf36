// Package collyfetcher implements ranking.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

const (
	acceptHeader         = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	acceptLanguageHeader = "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7"
	defaultTimeout       = 20 * time.Second
)

// DefaultUserAgents is rotated when Config.UserAgents is empty.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36 Edg/91.0.864.59",
}

// Config controls collector behavior.
type Config struct {
	// UserAgents is the pool one agent is drawn from per request.
	UserAgents []string
	Referer    string
	// Timeout bounds a single request.
	Timeout time.Duration
	// Transport overrides the pooled HTTP transport.
	Transport http.RoundTripper
}

// Fetcher implements ranking.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	pick          func(n int) int
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	// Clones share the visited set, so revisits must be allowed or the second
	// pass over a category URL would be refused.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		pick:          rand.IntN,
	}
}

// Fetch executes a single HTTP GET using Colly. Non-2xx responses and
// transport failures are returned as *ranking.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request ranking.FetchRequest) (ranking.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return ranking.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", err)
	}
	var (
		result   ranking.FetchResponse
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return ranking.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *ranking.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.setHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = ranking.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		*fetchErr = &ranking.FetchError{StatusCode: status, Err: err}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			var fe *ranking.FetchError
			if !errors.As(err, &fe) {
				err = &ranking.FetchError{Err: err}
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) setHeaders(r *colly.Request) {
	r.Headers.Set("User-Agent", f.userAgent())
	r.Headers.Set("Accept", acceptHeader)
	r.Headers.Set("Accept-Language", acceptLanguageHeader)
	r.Headers.Set("Cache-Control", "no-cache")
	r.Headers.Set("Pragma", "no-cache")
	if f.cfg.Referer != "" {
		r.Headers.Set("Referer", f.cfg.Referer)
	}
}

func (f *Fetcher) userAgent() string {
	return f.cfg.UserAgents[f.pick(len(f.cfg.UserAgents))]
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
		IdleConnTimeout:       90 * time.Second,
	}
}
