// Package postgres provides the Postgres-backed grants store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leeyy0/grantscraper/internal/grants"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock implements it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements grants.Store on top of a pgx connection pool.
type Store struct {
	pool pool
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertGrantQuery = `
INSERT INTO grants (
	url,
	name,
	issuer,
	button_text,
	card_body_text,
	links,
	content_hash,
	snapshot_uri,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (url) DO UPDATE SET
	name = EXCLUDED.name,
	issuer = EXCLUDED.issuer,
	button_text = EXCLUDED.button_text,
	card_body_text = EXCLUDED.card_body_text,
	links = EXCLUDED.links,
	content_hash = EXCLUDED.content_hash,
	snapshot_uri = EXCLUDED.snapshot_uri,
	scraped_at = EXCLUDED.scraped_at`

// UpsertGrants writes the batch keyed by URL and returns the saved count.
func (s *Store) UpsertGrants(ctx context.Context, batch []grants.Grant) (int, error) {
	saved := 0
	for _, g := range batch {
		if g.URL == "" {
			return saved, fmt.Errorf("grant url is required")
		}
		linksJSON, err := json.Marshal(normalizeLinks(g.Links))
		if err != nil {
			return saved, fmt.Errorf("marshal grant links: %w", err)
		}
		if _, err := s.pool.Exec(ctx, upsertGrantQuery,
			g.URL,
			g.Name,
			g.Issuer,
			g.ButtonText,
			g.CardBodyText,
			linksJSON,
			g.ContentHash,
			g.SnapshotURI,
			g.ScrapedAt,
		); err != nil {
			return saved, storeErr("upsert grant", err)
		}
		saved++
	}
	return saved, nil
}

// ListGrants returns every known grant, oldest scrape first.
func (s *Store) ListGrants(ctx context.Context) ([]grants.Grant, error) {
	query := `
		SELECT url, name, issuer, button_text, card_body_text, links, content_hash, snapshot_uri, scraped_at
		FROM grants
		ORDER BY scraped_at, url`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storeErr("list grants", err)
	}
	defer rows.Close()

	var out []grants.Grant
	for rows.Next() {
		var (
			g         grants.Grant
			linksJSON []byte
		)
		if err := rows.Scan(
			&g.URL,
			&g.Name,
			&g.Issuer,
			&g.ButtonText,
			&g.CardBodyText,
			&linksJSON,
			&g.ContentHash,
			&g.SnapshotURI,
			&g.ScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		if len(linksJSON) > 0 {
			if err := json.Unmarshal(linksJSON, &g.Links); err != nil {
				return nil, fmt.Errorf("unmarshal grant links: %w", err)
			}
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list grants", err)
	}
	return out, nil
}

// GetInitiative loads one initiative or grants.ErrNotFound.
func (s *Store) GetInitiative(ctx context.Context, id string) (grants.Initiative, error) {
	query := `
		SELECT id, title, goals, audience, costs, stage, demographic, remarks, organisation
		FROM initiatives
		WHERE id = $1`
	var (
		ini     grants.Initiative
		orgJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&ini.ID,
		&ini.Title,
		&ini.Goals,
		&ini.Audience,
		&ini.Costs,
		&ini.Stage,
		&ini.Demographic,
		&ini.Remarks,
		&orgJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return grants.Initiative{}, grants.ErrNotFound
		}
		return grants.Initiative{}, storeErr("get initiative", err)
	}
	if len(orgJSON) > 0 {
		if err := json.Unmarshal(orgJSON, &ini.Organisation); err != nil {
			return grants.Initiative{}, fmt.Errorf("unmarshal organisation: %w", err)
		}
	}
	return ini, nil
}

// SavePreliminaryRating upserts a phase-1 score for grant x initiative.
func (s *Store) SavePreliminaryRating(ctx context.Context, initiativeID, grantURL string, score int) error {
	query := `
		INSERT INTO preliminary_ratings (initiative_id, grant_url, score, rated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (initiative_id, grant_url) DO UPDATE SET
			score = EXCLUDED.score,
			rated_at = EXCLUDED.rated_at`
	if _, err := s.pool.Exec(ctx, query, initiativeID, grantURL, score); err != nil {
		return storeErr("save preliminary rating", err)
	}
	return nil
}

// ListPreliminaryRatings returns grant URL -> score for one initiative.
func (s *Store) ListPreliminaryRatings(ctx context.Context, initiativeID string) (map[string]int, error) {
	query := `
		SELECT grant_url, score
		FROM preliminary_ratings
		WHERE initiative_id = $1`
	rows, err := s.pool.Query(ctx, query, initiativeID)
	if err != nil {
		return nil, storeErr("list preliminary ratings", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			url   string
			score int
		)
		if err := rows.Scan(&url, &score); err != nil {
			return nil, fmt.Errorf("scan rating row: %w", err)
		}
		out[url] = score
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list preliminary ratings", err)
	}
	return out, nil
}

// SaveMatchResult upserts one detailed result.
func (s *Store) SaveMatchResult(ctx context.Context, res grants.MatchResult) error {
	query := `
		INSERT INTO match_results (
			initiative_id,
			grant_url,
			prelim_rating,
			match_rating,
			uncertainty_rating,
			short_description,
			match_explanation,
			uncertainty_explanation,
			analyzed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9
		)
		ON CONFLICT (initiative_id, grant_url) DO UPDATE SET
			prelim_rating = EXCLUDED.prelim_rating,
			match_rating = EXCLUDED.match_rating,
			uncertainty_rating = EXCLUDED.uncertainty_rating,
			short_description = EXCLUDED.short_description,
			match_explanation = EXCLUDED.match_explanation,
			uncertainty_explanation = EXCLUDED.uncertainty_explanation,
			analyzed_at = EXCLUDED.analyzed_at`
	if _, err := s.pool.Exec(ctx, query,
		res.InitiativeID,
		res.GrantURL,
		res.PrelimRating,
		res.MatchRating,
		res.UncertaintyRating,
		res.ShortDescription,
		res.MatchExplanation,
		res.UncertaintyExplained,
		res.AnalyzedAt,
	); err != nil {
		return storeErr("save match result", err)
	}
	return nil
}

// storeErr tags backend failures with grants.ErrUnavailable so runners can
// distinguish an outage from a bad record.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, grants.ErrUnavailable, err)
}

func normalizeLinks(links []string) []string {
	if len(links) == 0 {
		return []string{}
	}
	return links
}
