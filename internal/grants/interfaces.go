package grants

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested entity does not exist.
var ErrNotFound = errors.New("record not found")

// ErrUnavailable signals that the store itself is unreachable. Runners treat
// it as job-fatal, unlike a single malformed record.
var ErrUnavailable = errors.New("store unavailable")

// Portal drives a browser session against the grants portal. Implementations
// exclude closed/expired entries from ExtractLinks.
type Portal interface {
	// Start warms up the browser session; failure is job-fatal.
	Start(ctx context.Context) error
	// Navigate loads the portal listing page.
	Navigate(ctx context.Context, url string) error
	// ExtractLinks collects detail-page links for open grants.
	ExtractLinks(ctx context.Context) ([]Link, error)
	// ScrapeDetail visits one detail page and extracts its content.
	ScrapeDetail(ctx context.Context, url string) (Detail, error)
	// Close tears the browser session down.
	Close(ctx context.Context) error
}

// DetailFetcher deep-fetches a grant detail page without a full browser;
// used by the analysis pipeline's second phase.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, url string) (Detail, error)
}

// Rater scores grants against an initiative. Preliminary uses the cheap
// listing data; Detailed consumes the deep-fetched content.
type Rater interface {
	Preliminary(ctx context.Context, grant Grant, initiative Initiative) (int, error)
	Detailed(ctx context.Context, grant Grant, detail Detail, initiative Initiative) (MatchResult, error)
}

// Store persists grants, initiatives, and match results.
type Store interface {
	// UpsertGrants writes the batch keyed by URL and returns the saved count.
	UpsertGrants(ctx context.Context, batch []Grant) (int, error)
	// ListGrants returns every known grant.
	ListGrants(ctx context.Context) ([]Grant, error)
	// GetInitiative loads one initiative or ErrNotFound.
	GetInitiative(ctx context.Context, id string) (Initiative, error)
	// SavePreliminaryRating upserts a phase-1 score for grant x initiative.
	SavePreliminaryRating(ctx context.Context, initiativeID, grantURL string, score int) error
	// ListPreliminaryRatings returns grant URL -> score for one initiative.
	ListPreliminaryRatings(ctx context.Context, initiativeID string) (map[string]int, error)
	// SaveMatchResult upserts one detailed result as soon as it is ready, so
	// partial pipeline failure still yields partial results.
	SaveMatchResult(ctx context.Context, res MatchResult) error
}

// BlobStore writes raw page snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for snapshot deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scrape job keys.
type IDGenerator interface {
	NewID() (string, error)
}
