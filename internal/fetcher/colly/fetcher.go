// Package collyfetcher fetches grant detail pages over plain HTTP using
// gocolly. Detail pages are server-rendered, so the deep-analysis phase can
// skip the browser the listing page needs.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/leeyy0/grantscraper/internal/grants"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// DetailSelector matches the card body on a detail page.
	DetailSelector string
	// QPS caps requests per second per domain; zero or negative disables
	// the limiter.
	QPS   float64
	Burst int
}

const defaultDetailSelector = "div.card-body"

// Fetcher implements grants.DetailFetcher using the Colly collector. Safe for
// concurrent use: every fetch clones the base collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DetailSelector == "" {
		cfg.DetailSelector = defaultDetailSelector
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	// colly v2.1.0's Async option ignores its argument and always enables
	// async mode; rely on the synchronous default instead.
	c := colly.NewCollector()
	c.IgnoreRobotsTxt = false
	// Clones share the visited-URL storage, and the same grant is fetched
	// again on every later analysis run.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// FetchDetail GETs one detail page and extracts its card content.
func (f *Fetcher) FetchDetail(ctx context.Context, pageURL string) (grants.Detail, error) {
	if err := f.wait(ctx, pageURL); err != nil {
		return grants.Detail{}, err
	}

	var (
		detail    grants.Detail
		extracted bool
		fetchErr  error
	)
	detail.URL = pageURL

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnHTML(f.cfg.DetailSelector, func(e *colly.HTMLElement) {
		if extracted {
			return
		}
		extracted = true
		if html, err := e.DOM.Html(); err == nil {
			detail.CardBodyHTML = html
		}
		detail.CardBodyText = strings.TrimSpace(e.Text)
		e.ForEach("a[href]", func(_ int, a *colly.HTMLElement) {
			if href := a.Request.AbsoluteURL(a.Attr("href")); href != "" {
				detail.Links = append(detail.Links, href)
			}
		})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.visit(ctx, collector, pageURL); err != nil {
		return grants.Detail{}, err
	}
	if fetchErr != nil {
		return grants.Detail{}, fmt.Errorf("fetch detail page: %w", fetchErr)
	}
	if !extracted {
		return grants.Detail{}, fmt.Errorf("no %q element on %s", f.cfg.DetailSelector, pageURL)
	}
	return detail, nil
}

// visit runs the collector in a goroutine so the caller's context can cut the
// wait short; colly itself has no context plumbing.
func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("detail fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", pageURL, err)
		}
		return nil
	}
}

// wait blocks until the per-domain token bucket has room.
func (f *Fetcher) wait(ctx context.Context, pageURL string) error {
	if f.cfg.QPS <= 0 {
		return nil
	}
	domain := "unknown"
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}
	f.mu.Lock()
	limiter, ok := f.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.cfg.QPS), f.cfg.Burst)
		f.limiters[domain] = limiter
	}
	f.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
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
