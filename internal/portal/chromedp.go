// Package portal drives the grant portal with a headless browser. The portal
// renders its listing client-side, so plain HTTP fetches return an empty
// shell; chromedp gives us the hydrated DOM.
package portal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/grants"
)

// Config controls the browser session.
type Config struct {
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// NavigationTimeout bounds each page load (default 45s).
	NavigationTimeout time.Duration
	// LinkSelector matches the grant cards on the listing page.
	LinkSelector string
	// DetailSelector matches the card body on a detail page.
	DetailSelector string
	// ClosedMarkers are button texts that mark a grant as no longer open,
	// compared case-insensitively.
	ClosedMarkers []string
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultLinkSelector      = "a.grant-card"
	defaultDetailSelector    = "div.card-body"

	// settleDelay lets client-side rendering finish after body is ready.
	settleDelay = 500 * time.Millisecond
)

// Browser implements grants.Portal over one headless Chrome session. Only
// one session runs at a time; a second concurrent Start fails, which the
// runner turns into a clean job error.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewBrowser constructs a Browser. The browser process starts on Start, not
// here, so construction is cheap and never fails on a missing Chrome binary.
func NewBrowser(cfg Config, logger *zap.Logger) *Browser {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = defaultLinkSelector
	}
	if cfg.DetailSelector == "" {
		cfg.DetailSelector = defaultDetailSelector
	}
	if len(cfg.ClosedMarkers) == 0 {
		cfg.ClosedMarkers = []string{"closed", "gesloten"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg, logger: logger}
}

// Start launches the headless browser and warms it with a blank tab so the
// first navigation does not pay the process startup cost.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil {
		return fmt.Errorf("browser session already started")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmCtx, cancel := context.WithTimeout(browserCtx, b.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(warmCtx, b.sessionSetupAction()); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w", err)
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	return nil
}

// session returns the live browser context or an error when Start has not
// run (or Close already did).
func (b *Browser) session() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil {
		return nil, fmt.Errorf("browser session not started")
	}
	return b.browserCtx, nil
}

// Navigate loads url in the session tab and waits for the rendered body.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	sessionCtx, err := b.session()
	if err != nil {
		return err
	}
	navCtx, cancel := b.pageContext(ctx, sessionCtx)
	defer cancel()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// linkDTO mirrors the object shape built by the extraction script.
type linkDTO struct {
	URL        string `json:"url"`
	ButtonText string `json:"button_text"`
}

// ExtractLinks reads every grant card off the current page.
func (b *Browser) ExtractLinks(ctx context.Context) ([]grants.Link, error) {
	sessionCtx, err := b.session()
	if err != nil {
		return nil, err
	}
	evalCtx, cancel := b.pageContext(ctx, sessionCtx)
	defer cancel()

	script := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(a => ({url: a.href, button_text: a.innerText.trim()}))`,
		b.cfg.LinkSelector,
	)
	var raw []linkDTO
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, fmt.Errorf("extract grant links: %w", err)
	}

	links := make([]grants.Link, 0, len(raw))
	for _, l := range raw {
		if l.URL == "" {
			continue
		}
		links = append(links, grants.Link{
			URL:        l.URL,
			ButtonText: l.ButtonText,
			Closed:     b.isClosed(l.ButtonText),
		})
	}
	b.logger.Debug("links extracted", zap.Int("count", len(links)))
	return links, nil
}

// ScrapeDetail loads one grant detail page and returns its card content.
func (b *Browser) ScrapeDetail(ctx context.Context, url string) (grants.Detail, error) {
	sessionCtx, err := b.session()
	if err != nil {
		return grants.Detail{}, err
	}
	pageCtx, cancel := b.pageContext(ctx, sessionCtx)
	defer cancel()

	anchorScript := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q + " a")).map(a => ({url: a.href, button_text: a.innerText.trim()}))`,
		b.cfg.DetailSelector,
	)
	var (
		html    string
		text    string
		anchors []linkDTO
	)
	if err := chromedp.Run(pageCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.OuterHTML(b.cfg.DetailSelector, &html, chromedp.ByQuery),
		chromedp.Text(b.cfg.DetailSelector, &text, chromedp.ByQuery),
		chromedp.Evaluate(anchorScript, &anchors),
	); err != nil {
		return grants.Detail{}, fmt.Errorf("scrape detail %s: %w", url, err)
	}

	detail := grants.Detail{
		URL:          url,
		CardBodyHTML: html,
		CardBodyText: strings.TrimSpace(text),
	}
	for _, a := range anchors {
		if a.URL == "" {
			continue
		}
		detail.Links = append(detail.Links, a.URL)
	}
	return detail, nil
}

// Close tears down the browser process. Safe to call once per Start.
func (b *Browser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCancel = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
	b.browserCtx = nil
	return nil
}

// pageContext ties a page operation to both the caller's deadline and the
// browser session, so either cancels the work.
func (b *Browser) pageContext(ctx, sessionCtx context.Context) (context.Context, context.CancelFunc) {
	pageCtx, cancel1 := context.WithTimeout(sessionCtx, b.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, cancel1)
	return pageCtx, func() {
		stop()
		cancel1()
	}
}

func (b *Browser) sessionSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) isClosed(buttonText string) bool {
	lowered := strings.ToLower(buttonText)
	for _, marker := range b.cfg.ClosedMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
