package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/grants"
	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/registry"
)

// DefaultThreshold is the minimum preliminary rating a grant needs to enter
// the deep-analysis phase when the caller does not supply one.
const DefaultThreshold = 61

// AnalysisConfig controls the analysis runner.
type AnalysisConfig struct {
	// CallTimeout bounds each collaborator call (default 60s).
	CallTimeout time.Duration
	// Topic receives the terminal job event; empty disables publishing.
	Topic string
}

// AnalysisRunner executes the two-phase grant-matching pipeline for one
// initiative. The job key is the initiative id, so the registry's key lock
// doubles as the "one analysis per initiative" guard.
type AnalysisRunner struct {
	reg       *registry.Registry
	rater     grants.Rater
	fetcher   grants.DetailFetcher
	store     grants.Store
	publisher grants.Publisher
	clock     grants.Clock
	cfg       AnalysisConfig
	logger    *zap.Logger
}

// NewAnalysisRunner constructs an AnalysisRunner.
func NewAnalysisRunner(
	reg *registry.Registry,
	rater grants.Rater,
	fetcher grants.DetailFetcher,
	store grants.Store,
	publisher grants.Publisher,
	clock grants.Clock,
	cfg AnalysisConfig,
	logger *zap.Logger,
) *AnalysisRunner {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisRunner{
		reg:       reg,
		rater:     rater,
		fetcher:   fetcher,
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes one analysis job to its terminal phase.
func (r *AnalysisRunner) Run(ctx context.Context, initiativeID string, threshold int) {
	logger := r.logger.With(zap.String("initiative_id", initiativeID))
	if err := r.run(ctx, initiativeID, threshold, logger); err != nil {
		logger.Error("analysis job failed", zap.Error(err))
		if _, uerr := r.reg.Update(job.KindAnalysis, initiativeID, job.Failed(err)); uerr != nil {
			logger.Error("record error transition failed", zap.Error(uerr))
		}
		r.publishTerminal(initiativeID, job.PhaseError)
		return
	}
	r.publishTerminal(initiativeID, job.PhaseCompleted)
}

func (r *AnalysisRunner) run(ctx context.Context, initiativeID string, threshold int, logger *zap.Logger) error {
	initiative, err := r.store.GetInitiative(ctx, initiativeID)
	if err != nil {
		return fmt.Errorf("load initiative %s: %w", initiativeID, err)
	}

	all, err := r.store.ListGrants(ctx)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}
	if len(all) == 0 {
		return errors.New("no grants found in database")
	}

	// calculating_phase1: one preliminary rating per known grant.
	r.update(initiativeID, job.Update{
		Phase:          ptr(job.PhaseCalculatingPhase1),
		RemainingCalls: job.Int(len(all)),
	})
	skipped := 0
	for i, g := range all {
		if err := r.rateOne(ctx, initiativeID, g, initiative); err != nil {
			if errors.Is(err, grants.ErrUnavailable) {
				return fmt.Errorf("save preliminary rating: %w", err)
			}
			skipped++
			logger.Warn("preliminary rating failed, skipping grant",
				zap.String("url", g.URL), zap.Error(err))
		}
		r.update(initiativeID, job.Update{RemainingCalls: job.Int(len(all) - i - 1)})
	}
	logger.Info("preliminary ratings finished",
		zap.Int("grants", len(all)), zap.Int("skipped", skipped))

	// filtering: keep grants at or above the threshold.
	scores, err := r.store.ListPreliminaryRatings(ctx, initiativeID)
	if err != nil {
		return fmt.Errorf("load preliminary ratings: %w", err)
	}
	selected := make([]grants.Grant, 0, len(all))
	for _, g := range all {
		if score, ok := scores[g.URL]; ok && score >= threshold {
			selected = append(selected, g)
		}
	}
	r.update(initiativeID, job.Update{
		Phase:       ptr(job.PhaseFiltering),
		TotalGrants: job.Int(len(selected)),
	})
	logger.Info("grants filtered",
		zap.Int("threshold", threshold), zap.Int("total_grants", len(selected)))

	if len(selected) == 0 {
		r.update(initiativeID, job.Update{
			Phase:   ptr(job.PhaseCompleted),
			Message: job.String("No grants above threshold"),
		})
		return nil
	}

	// scraping_phase2: deep-fetch detail content per selected grant.
	r.update(initiativeID, job.PhaseTo(job.PhaseScrapingPhase2))
	details := make(map[string]grants.Detail, len(selected))
	for i, g := range selected {
		var detail grants.Detail
		if err := r.call(ctx, func(ctx context.Context) error {
			var err error
			detail, err = r.fetcher.FetchDetail(ctx, g.URL)
			return err
		}); err != nil {
			logger.Warn("deep fetch failed, analyzing from listing data",
				zap.String("url", g.URL), zap.Error(err))
		} else {
			details[g.URL] = detail
		}
		r.update(initiativeID, job.Update{ProcessedGrants: job.Int(i + 1)})
	}

	// analyzing: detailed rating per grant; each result is persisted as it
	// completes so a late failure still leaves partial results behind.
	r.update(initiativeID, job.PhaseTo(job.PhaseAnalyzing))
	analyzed := 0
	for i, g := range selected {
		if err := r.analyzeOne(ctx, initiativeID, g, details[g.URL], scores[g.URL], initiative); err != nil {
			if errors.Is(err, grants.ErrUnavailable) {
				return fmt.Errorf("save match result: %w", err)
			}
			logger.Warn("detailed analysis failed, skipping grant",
				zap.String("url", g.URL), zap.Error(err))
		} else {
			analyzed++
		}
		r.update(initiativeID, job.Update{CurrentGrant: job.Int(i + 1)})
	}

	r.update(initiativeID, job.Update{
		Phase:       ptr(job.PhaseCompleted),
		Message:     job.String(fmt.Sprintf("Analyzed %d of %d filtered grants", analyzed, len(selected))),
		TotalGrants: job.Int(len(selected)),
	})
	logger.Info("analysis job completed",
		zap.Int("total_grants", len(selected)), zap.Int("analyzed", analyzed))
	return nil
}

func (r *AnalysisRunner) rateOne(ctx context.Context, initiativeID string, g grants.Grant, initiative grants.Initiative) error {
	var score int
	if err := r.call(ctx, func(ctx context.Context) error {
		var err error
		score, err = r.rater.Preliminary(ctx, g, initiative)
		return err
	}); err != nil {
		return err
	}
	if err := r.store.SavePreliminaryRating(ctx, initiativeID, g.URL, score); err != nil {
		return err
	}
	return nil
}

func (r *AnalysisRunner) analyzeOne(
	ctx context.Context,
	initiativeID string,
	g grants.Grant,
	detail grants.Detail,
	prelim int,
	initiative grants.Initiative,
) error {
	var res grants.MatchResult
	if err := r.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.rater.Detailed(ctx, g, detail, initiative)
		return err
	}); err != nil {
		return err
	}
	res.GrantURL = g.URL
	res.InitiativeID = initiativeID
	res.PrelimRating = prelim
	res.AnalyzedAt = r.clock.Now()
	if err := r.store.SaveMatchResult(ctx, res); err != nil {
		return err
	}
	return nil
}

func (r *AnalysisRunner) publishTerminal(initiativeID string, phase job.Phase) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CallTimeout)
	defer cancel()
	payload := map[string]any{
		"initiative_id": initiativeID,
		"kind":          job.KindAnalysis,
		"phase":         phase,
		"timestamp":     r.clock.Now().Format(time.RFC3339),
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		r.logger.Warn("terminal event publish failed",
			zap.String("initiative_id", initiativeID), zap.Error(err))
	}
}

func (r *AnalysisRunner) update(initiativeID string, u job.Update) {
	if _, err := r.reg.Update(job.KindAnalysis, initiativeID, u); err != nil {
		r.logger.Error("status update rejected",
			zap.String("initiative_id", initiativeID), zap.Error(err))
	}
}

func (r *AnalysisRunner) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
