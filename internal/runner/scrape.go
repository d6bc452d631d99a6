// Package runner implements the per-job execution loops: one runner instance
// drives one job through its phase sequence, calling the external
// collaborators and reporting progress to the registry between calls.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/grants"
	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/registry"
)

const defaultCallTimeout = 60 * time.Second

// ScrapeConfig controls the scrape runner.
type ScrapeConfig struct {
	// ListingURL is the portal page listing all grants.
	ListingURL string
	// CallTimeout bounds each collaborator call (default 60s).
	CallTimeout time.Duration
	// SnapshotPrefix prefixes blob paths for raw detail-page snapshots.
	SnapshotPrefix string
	// SnapshotContentType is stored on uploaded snapshots.
	SnapshotContentType string
	// Topic receives the terminal job event; empty disables publishing.
	Topic string
}

// ScrapeRunner refreshes the grant catalog from the portal. One instance may
// run many jobs, but each job is a single goroutine and the sole writer of
// its record.
type ScrapeRunner struct {
	reg       *registry.Registry
	portal    grants.Portal
	store     grants.Store
	snapshots grants.BlobStore
	hasher    grants.Hasher
	publisher grants.Publisher
	clock     grants.Clock
	cfg       ScrapeConfig
	logger    *zap.Logger
}

// NewScrapeRunner constructs a ScrapeRunner. snapshots and publisher may be
// nil to disable those side channels.
func NewScrapeRunner(
	reg *registry.Registry,
	portal grants.Portal,
	store grants.Store,
	snapshots grants.BlobStore,
	hasher grants.Hasher,
	publisher grants.Publisher,
	clock grants.Clock,
	cfg ScrapeConfig,
	logger *zap.Logger,
) *ScrapeRunner {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.SnapshotContentType == "" {
		cfg.SnapshotContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScrapeRunner{
		reg:       reg,
		portal:    portal,
		store:     store,
		snapshots: snapshots,
		hasher:    hasher,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes one scrape job to its terminal phase. Fatal failures
// transition the record to error; the method never returns one.
func (r *ScrapeRunner) Run(ctx context.Context, key string) {
	logger := r.logger.With(zap.String("job_id", key))
	rec, err := r.run(ctx, key, logger)
	if err != nil {
		logger.Error("scrape job failed", zap.Error(err))
		if _, uerr := r.reg.Update(job.KindScrape, key, job.Failed(err)); uerr != nil {
			logger.Error("record error transition failed", zap.Error(uerr))
		}
		r.publishTerminal(key, job.PhaseError, 0, 0)
		return
	}
	r.publishTerminal(key, job.PhaseCompleted, intOrZero(rec.TotalFound), intOrZero(rec.GrantsSaved))
}

func (r *ScrapeRunner) run(ctx context.Context, key string, logger *zap.Logger) (job.Record, error) {
	// starting
	r.update(key, job.PhaseTo(job.PhaseStarting))
	if err := r.call(ctx, r.portal.Start); err != nil {
		return job.Record{}, fmt.Errorf("start portal session: %w", err)
	}
	defer func() {
		if err := r.portal.Close(context.Background()); err != nil {
			logger.Warn("portal close failed", zap.Error(err))
		}
	}()

	// navigating
	r.update(key, job.PhaseTo(job.PhaseNavigating))
	if err := r.call(ctx, func(ctx context.Context) error {
		return r.portal.Navigate(ctx, r.cfg.ListingURL)
	}); err != nil {
		return job.Record{}, fmt.Errorf("navigate to listing: %w", err)
	}

	// extracting_links
	r.update(key, job.PhaseTo(job.PhaseExtractingLinks))
	var links []grants.Link
	if err := r.call(ctx, func(ctx context.Context) error {
		var err error
		links, err = r.portal.ExtractLinks(ctx)
		return err
	}); err != nil {
		return job.Record{}, fmt.Errorf("extract grant links: %w", err)
	}
	open := links[:0]
	for _, l := range links {
		if !l.Closed {
			open = append(open, l)
		}
	}
	total := len(open)
	r.update(key, job.Update{TotalFound: job.Int(total)})
	logger.Info("open grants found", zap.Int("total_found", total))

	// scraping_details
	r.update(key, job.PhaseTo(job.PhaseScrapingDetails))
	batch := make([]grants.Grant, 0, total)
	failures := 0
	for i, link := range open {
		g, err := r.scrapeOne(ctx, key, link)
		if err != nil {
			failures++
			logger.Warn("detail scrape failed, skipping grant",
				zap.String("url", link.URL), zap.Error(err))
		} else {
			batch = append(batch, g)
		}
		// Per-item emission is the contract; batch-only updates starve
		// live subscribers.
		r.update(key, job.Update{CurrentGrant: job.Int(i + 1), TotalFound: job.Int(total)})
	}

	// saving_to_db
	r.update(key, job.Update{
		Phase:       ptr(job.PhaseSavingToDB),
		GrantsSaved: job.Int(0),
	})
	saved, err := r.store.UpsertGrants(ctx, batch)
	if err != nil {
		return job.Record{}, fmt.Errorf("save grants: %w", err)
	}
	r.update(key, job.Update{GrantsSaved: job.Int(saved)})

	// completed
	msg := fmt.Sprintf("Found %d open grants, saved %d", total, saved)
	if failures > 0 {
		msg = fmt.Sprintf("%s (%d skipped)", msg, failures)
	}
	rec, uerr := r.reg.Update(job.KindScrape, key, job.Update{
		Phase:       ptr(job.PhaseCompleted),
		Message:     job.String(msg),
		TotalFound:  job.Int(total),
		GrantsSaved: job.Int(saved),
	})
	if uerr != nil {
		logger.Error("record completed transition failed", zap.Error(uerr))
	}
	logger.Info("scrape job completed", zap.Int("total_found", total), zap.Int("grants_saved", saved))
	return rec, nil
}

func (r *ScrapeRunner) scrapeOne(ctx context.Context, key string, link grants.Link) (grants.Grant, error) {
	var detail grants.Detail
	if err := r.call(ctx, func(ctx context.Context) error {
		var err error
		detail, err = r.portal.ScrapeDetail(ctx, link.URL)
		return err
	}); err != nil {
		return grants.Grant{}, err
	}

	g := grants.Grant{
		URL:          link.URL,
		Name:         link.ButtonText,
		ButtonText:   link.ButtonText,
		CardBodyText: detail.CardBodyText,
		Links:        detail.Links,
		ScrapedAt:    r.clock.Now(),
	}
	if r.hasher != nil && detail.CardBodyHTML != "" {
		hash, err := r.hasher.Hash([]byte(detail.CardBodyHTML))
		if err == nil {
			g.ContentHash = hash
			g.SnapshotURI = r.snapshotDetail(ctx, key, hash, detail)
		}
	}
	return g, nil
}

// snapshotDetail uploads the raw detail HTML; snapshot failures never fail
// the item, the content text is already in hand.
func (r *ScrapeRunner) snapshotDetail(ctx context.Context, key, hash string, detail grants.Detail) string {
	if r.snapshots == nil {
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.html", r.cfg.SnapshotPrefix, key, hash)
	uri, err := r.snapshots.PutObject(ctx, path, r.cfg.SnapshotContentType, []byte(detail.CardBodyHTML))
	if err != nil {
		r.logger.Warn("snapshot upload failed", zap.String("url", detail.URL), zap.Error(err))
		return ""
	}
	return uri
}

func (r *ScrapeRunner) publishTerminal(key string, phase job.Phase, totalFound, saved int) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CallTimeout)
	defer cancel()
	payload := map[string]any{
		"job_id":       key,
		"kind":         job.KindScrape,
		"phase":        phase,
		"total_found":  totalFound,
		"grants_saved": saved,
		"timestamp":    r.clock.Now().Format(time.RFC3339),
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		r.logger.Warn("terminal event publish failed", zap.String("job_id", key), zap.Error(err))
	}
}

// update applies a progress update; failures here are programming errors and
// only logged, the job keeps running.
func (r *ScrapeRunner) update(key string, u job.Update) {
	if _, err := r.reg.Update(job.KindScrape, key, u); err != nil {
		r.logger.Error("status update rejected", zap.String("job_id", key), zap.Error(err))
	}
}

// call runs one collaborator call under the configured timeout; a timeout is
// a phase failure, never a silent hang.
func (r *ScrapeRunner) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	if err := fn(callCtx); err != nil {
		return err
	}
	return nil
}

func ptr(p job.Phase) *job.Phase {
	return &p
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
