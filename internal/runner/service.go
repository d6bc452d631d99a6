package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/grants"
	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/registry"
)

// ErrInvalidThreshold rejects thresholds outside the 0-100 rating scale.
var ErrInvalidThreshold = errors.New("threshold must be between 0 and 100")

// Service is the job-start boundary: it claims the registry key, spawns the
// runner goroutine, and returns immediately with the created record.
type Service struct {
	reg      *registry.Registry
	scrape   *ScrapeRunner
	analysis *AnalysisRunner
	store    grants.Store
	ids      grants.IDGenerator
	// baseCtx outlives individual requests; jobs keep running after the
	// start call returns.
	baseCtx context.Context
	logger  *zap.Logger
}

// NewService constructs a Service. baseCtx should be the process context so
// shutdown cancels in-flight jobs.
func NewService(
	baseCtx context.Context,
	reg *registry.Registry,
	scrape *ScrapeRunner,
	analysis *AnalysisRunner,
	store grants.Store,
	ids grants.IDGenerator,
	logger *zap.Logger,
) *Service {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reg:      reg,
		scrape:   scrape,
		analysis: analysis,
		store:    store,
		ids:      ids,
		baseCtx:  baseCtx,
		logger:   logger,
	}
}

// StartScrape creates a scrape job under a fresh server-generated key and
// launches its runner. The returned record is the job's initial snapshot.
func (s *Service) StartScrape(ctx context.Context) (job.Record, error) {
	key, err := s.ids.NewID()
	if err != nil {
		return job.Record{}, fmt.Errorf("generate job id: %w", err)
	}
	rec, err := s.reg.Create(job.KindScrape, key)
	if err != nil {
		return job.Record{}, err
	}
	s.logger.Info("scrape job started", zap.String("job_id", key))
	go s.scrape.Run(s.baseCtx, key)
	return rec, nil
}

// StartAnalysis creates an analysis job keyed by the initiative id and
// launches its runner. A concurrent analysis for the same initiative is
// rejected synchronously with registry.ErrAlreadyActive.
func (s *Service) StartAnalysis(ctx context.Context, initiativeID string, threshold int) (job.Record, error) {
	if threshold < 0 || threshold > 100 {
		return job.Record{}, ErrInvalidThreshold
	}
	// Reject unknown initiatives before claiming the key, mirroring the
	// status-code contract (404 beats 409).
	if _, err := s.store.GetInitiative(ctx, initiativeID); err != nil {
		return job.Record{}, fmt.Errorf("load initiative %s: %w", initiativeID, err)
	}
	rec, err := s.reg.Create(job.KindAnalysis, initiativeID)
	if err != nil {
		return job.Record{}, err
	}
	s.logger.Info("analysis job started",
		zap.String("initiative_id", initiativeID), zap.Int("threshold", threshold))
	go s.analysis.Run(s.baseCtx, initiativeID, threshold)
	return rec, nil
}
