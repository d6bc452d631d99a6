package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/grants"
	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/registry"
	"github.com/leeyy0/grantscraper/internal/storage/memory"
	"github.com/leeyy0/grantscraper/internal/stream"
)

type stubPortal struct {
	links       []grants.Link
	failStart   error
	failNav     error
	failDetails map[string]error
}

func (p *stubPortal) Start(context.Context) error {
	return p.failStart
}

func (p *stubPortal) Navigate(context.Context, string) error {
	return p.failNav
}

func (p *stubPortal) ExtractLinks(context.Context) ([]grants.Link, error) {
	return p.links, nil
}

func (p *stubPortal) ScrapeDetail(_ context.Context, url string) (grants.Detail, error) {
	if err := p.failDetails[url]; err != nil {
		return grants.Detail{}, err
	}
	return grants.Detail{
		URL:          url,
		CardBodyHTML: "<div>" + url + "</div>",
		CardBodyText: "details for " + url,
	}, nil
}

func (p *stubPortal) Close(context.Context) error {
	return nil
}

type stubHasher struct{}

func (stubHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("%x", data), nil
}

type stubClock struct{}

func (stubClock) Now() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func openLinks(n int) []grants.Link {
	links := make([]grants.Link, 0, n)
	for i := 1; i <= n; i++ {
		links = append(links, grants.Link{
			URL:        fmt.Sprintf("https://portal.example/grants/%d", i),
			ButtonText: fmt.Sprintf("Grant %d", i),
		})
	}
	return links
}

func newScrapeHarness(t *testing.T, portal *stubPortal) (*registry.Registry, *memory.Store, *memory.BlobStore, *ScrapeRunner) {
	t.Helper()
	hub := stream.NewHub(stream.Config{QueueSize: 256})
	reg := registry.New(hub, stubClock{}, zap.NewNop())
	store := memory.NewStore()
	blobs := memory.NewBlobStore()
	r := NewScrapeRunner(reg, portal, store, blobs, stubHasher{}, nil, stubClock{}, ScrapeConfig{
		ListingURL:     "https://portal.example/grants",
		SnapshotPrefix: "snapshots",
	}, zap.NewNop())
	return reg, store, blobs, r
}

// TestScrapeEmitsCanonicalSequence runs a scrape over a portal with three
// open grants and asserts the exact ordered progress a subscriber observes.
func TestScrapeEmitsCanonicalSequence(t *testing.T) {
	t.Parallel()

	portal := &stubPortal{links: openLinks(3)}
	reg, store, blobs, r := newScrapeHarness(t, portal)

	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	s, err := reg.Subscribe(job.KindScrape, "job-1")
	require.NoError(t, err)

	r.Run(context.Background(), "job-1")

	var seen []job.Record
	for rec := range s.C() {
		seen = append(seen, rec)
	}

	// Collapse to the milestones named by the contract.
	type milestone struct {
		phase   job.Phase
		current int
		saved   int
	}
	var got []milestone
	var last milestone
	for i, rec := range seen {
		m := milestone{phase: rec.Phase, current: intOrZero(rec.CurrentGrant), saved: -1}
		if rec.GrantsSaved != nil {
			m.saved = *rec.GrantsSaved
		}
		if i == 0 || m != last {
			got = append(got, m)
			last = m
		}
	}
	want := []milestone{
		{phase: job.PhaseStarting, saved: -1},
		{phase: job.PhaseNavigating, saved: -1},
		{phase: job.PhaseExtractingLinks, saved: -1},
		{phase: job.PhaseScrapingDetails, saved: -1},
		{phase: job.PhaseScrapingDetails, current: 1, saved: -1},
		{phase: job.PhaseScrapingDetails, current: 2, saved: -1},
		{phase: job.PhaseScrapingDetails, current: 3, saved: -1},
		{phase: job.PhaseSavingToDB, current: 3, saved: 0},
		{phase: job.PhaseSavingToDB, current: 3, saved: 3},
		{phase: job.PhaseCompleted, current: 3, saved: 3},
	}
	assert.Equal(t, want, got)

	// total_found reported on the extracting_links snapshot.
	for _, rec := range seen {
		if rec.Phase == job.PhaseExtractingLinks && rec.TotalFound != nil {
			assert.Equal(t, 3, *rec.TotalFound)
		}
	}

	saved, err := store.ListGrants(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 3)
	assert.Equal(t, 3, blobs.Len(), "each detail page gets a snapshot")
}

// TestScrapeExcludesClosedGrants checks that closed entries never count
// toward total_found or reach the store.
func TestScrapeExcludesClosedGrants(t *testing.T) {
	t.Parallel()

	links := openLinks(2)
	links = append(links, grants.Link{URL: "https://portal.example/grants/closed", Closed: true})
	portal := &stubPortal{links: links}
	reg, store, _, r := newScrapeHarness(t, portal)

	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	r.Run(context.Background(), "job-1")

	rec, err := reg.Get(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.PhaseCompleted, rec.Phase)
	require.NotNil(t, rec.TotalFound)
	assert.Equal(t, 2, *rec.TotalFound)

	saved, err := store.ListGrants(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

// TestScrapeNavigationFailureIsFatal verifies the error contract: a failure
// during navigating transitions straight to error and later polls return the
// same error snapshot.
func TestScrapeNavigationFailureIsFatal(t *testing.T) {
	t.Parallel()

	portal := &stubPortal{failNav: errors.New("listing page timed out")}
	reg, _, _, r := newScrapeHarness(t, portal)

	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	r.Run(context.Background(), "job-1")

	rec, err := reg.Get(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.PhaseError, rec.Phase)
	assert.Contains(t, rec.Error, "listing page timed out")

	again, err := reg.Get(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Error, again.Error)
}

// TestScrapeItemFailureSkipsAndContinues ensures a single bad detail page is
// skipped while the job still completes and reports every item.
func TestScrapeItemFailureSkipsAndContinues(t *testing.T) {
	t.Parallel()

	portal := &stubPortal{
		links: openLinks(3),
		failDetails: map[string]error{
			"https://portal.example/grants/2": errors.New("selector missing"),
		},
	}
	reg, store, _, r := newScrapeHarness(t, portal)

	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	r.Run(context.Background(), "job-1")

	rec, err := reg.Get(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.PhaseCompleted, rec.Phase)
	require.NotNil(t, rec.CurrentGrant)
	assert.Equal(t, 3, *rec.CurrentGrant, "every item is still reported")
	require.NotNil(t, rec.GrantsSaved)
	assert.Equal(t, 2, *rec.GrantsSaved)
	assert.Contains(t, rec.Message, "skipped")

	saved, err := store.ListGrants(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

// TestScrapeStartFailure covers the starting phase: browser init failure is
// immediately fatal.
func TestScrapeStartFailure(t *testing.T) {
	t.Parallel()

	portal := &stubPortal{failStart: errors.New("chrome not available")}
	reg, _, _, r := newScrapeHarness(t, portal)

	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	r.Run(context.Background(), "job-1")

	rec, err := reg.Get(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.PhaseError, rec.Phase)
	assert.Contains(t, rec.Error, "chrome not available")
}
