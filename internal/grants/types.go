// Package grants defines the business entities and collaborator interfaces
// the job pipeline works against: the grants portal, the detail fetcher, the
// AI rater, and the persistent store.
package grants

import "time"

// Grant is one funding opportunity scraped from the portal, keyed by its
// detail-page URL.
type Grant struct {
	URL          string    `json:"url"`
	Name         string    `json:"name"`
	Issuer       string    `json:"issuer,omitempty"`
	ButtonText   string    `json:"button_text,omitempty"`
	CardBodyText string    `json:"card_body_text,omitempty"`
	Links        []string  `json:"links,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	SnapshotURI  string    `json:"snapshot_uri,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

// Link is a candidate detail-page reference found on the portal listing.
// Closed entries are excluded from scraping.
type Link struct {
	URL        string
	ButtonText string
	Closed     bool
}

// Detail is the deep content of one grant's detail page.
type Detail struct {
	URL          string
	CardBodyHTML string
	CardBodyText string
	Links        []string
}

// Organisation is the applying body an initiative belongs to.
type Organisation struct {
	Name            string `json:"name"`
	MissionAndFocus string `json:"mission_and_focus,omitempty"`
	AboutUs         string `json:"about_us,omitempty"`
	Remarks         string `json:"remarks,omitempty"`
}

// Initiative is the project grants are matched against. Analysis jobs are
// keyed by its ID, so one analysis runs per initiative at a time.
type Initiative struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Goals        string       `json:"goals,omitempty"`
	Audience     string       `json:"audience,omitempty"`
	Costs        string       `json:"costs,omitempty"`
	Stage        string       `json:"stage,omitempty"`
	Demographic  string       `json:"demographic,omitempty"`
	Remarks      string       `json:"remarks,omitempty"`
	Organisation Organisation `json:"organisation"`
}

// MatchResult is the detailed rating of one grant for one initiative.
// Ratings are percentages (0-100).
type MatchResult struct {
	GrantURL             string    `json:"grant_url"`
	InitiativeID         string    `json:"initiative_id"`
	PrelimRating         int       `json:"prelim_rating"`
	MatchRating          int       `json:"match_rating"`
	UncertaintyRating    int       `json:"uncertainty_rating"`
	ShortDescription     string    `json:"short_description,omitempty"`
	MatchExplanation     string    `json:"match_explanation,omitempty"`
	UncertaintyExplained string    `json:"uncertainty_explanation,omitempty"`
	AnalyzedAt           time.Time `json:"analyzed_at"`
}
