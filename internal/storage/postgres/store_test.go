package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeyy0/grantscraper/internal/grants"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func TestUpsertGrantsInsertsEachRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	batch := []grants.Grant{
		{
			URL:          "https://portal.example/grants/1",
			Name:         "Community Grant",
			ButtonText:   "Community Grant",
			CardBodyText: "Funding for neighbourhood projects.",
			Links:        []string{"https://portal.example/apply"},
			ContentHash:  "abc123",
			SnapshotURI:  "gs://bucket/snapshots/abc123.html",
			ScrapedAt:    now,
		},
		{
			URL:       "https://portal.example/grants/2",
			Name:      "Youth Grant",
			ScrapedAt: now,
		},
	}

	mock.ExpectExec("INSERT INTO grants").
		WithArgs(
			batch[0].URL,
			batch[0].Name,
			"",
			batch[0].ButtonText,
			batch[0].CardBodyText,
			[]byte(`["https://portal.example/apply"]`),
			batch[0].ContentHash,
			batch[0].SnapshotURI,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO grants").
		WithArgs(batch[1].URL, batch[1].Name, "", "", "", []byte(`[]`), "", "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	saved, err := store.UpsertGrants(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGrantsBackendFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("INSERT INTO grants").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	_, err := store.UpsertGrants(context.Background(), []grants.Grant{{URL: "https://x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, grants.ErrUnavailable)
}

func TestListGrantsScansRows(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"url", "name", "issuer", "button_text", "card_body_text",
		"links", "content_hash", "snapshot_uri", "scraped_at",
	}).
		AddRow("https://portal.example/grants/1", "Community Grant", "", "Community Grant",
			"Funding.", []byte(`["https://portal.example/apply"]`), "abc123", "", now).
		AddRow("https://portal.example/grants/2", "Youth Grant", "", "", "", []byte(`[]`), "", "", now)

	mock.ExpectQuery("SELECT (.+) FROM grants").WillReturnRows(rows)

	out, err := store.ListGrants(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Community Grant", out[0].Name)
	assert.Equal(t, []string{"https://portal.example/apply"}, out[0].Links)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInitiativeNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM initiatives").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetInitiative(context.Background(), "missing")
	assert.ErrorIs(t, err, grants.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetInitiativeScansOrganisation(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	rows := pgxmock.NewRows([]string{
		"id", "title", "goals", "audience", "costs", "stage", "demographic", "remarks", "organisation",
	}).AddRow("ini-1", "Community garden", "Grow food", "Neighbours", "", "", "", "",
		[]byte(`{"name":"Green Org","mission_and_focus":"Urban greening"}`))

	mock.ExpectQuery("SELECT (.+) FROM initiatives").
		WithArgs("ini-1").
		WillReturnRows(rows)

	ini, err := store.GetInitiative(context.Background(), "ini-1")
	require.NoError(t, err)
	assert.Equal(t, "Community garden", ini.Title)
	assert.Equal(t, "Green Org", ini.Organisation.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndListPreliminaryRatings(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("INSERT INTO preliminary_ratings").
		WithArgs("ini-1", "https://portal.example/grants/1", 80).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SavePreliminaryRating(
		context.Background(), "ini-1", "https://portal.example/grants/1", 80))

	rows := pgxmock.NewRows([]string{"grant_url", "score"}).
		AddRow("https://portal.example/grants/1", 80).
		AddRow("https://portal.example/grants/2", 55)
	mock.ExpectQuery("SELECT grant_url, score").
		WithArgs("ini-1").
		WillReturnRows(rows)

	scores, err := store.ListPreliminaryRatings(context.Background(), "ini-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"https://portal.example/grants/1": 80,
		"https://portal.example/grants/2": 55,
	}, scores)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMatchResultUpserts(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	res := grants.MatchResult{
		GrantURL:          "https://portal.example/grants/1",
		InitiativeID:      "ini-1",
		PrelimRating:      80,
		MatchRating:       74,
		UncertaintyRating: 12,
		ShortDescription:  "Strong thematic match.",
		AnalyzedAt:        now,
	}

	mock.ExpectExec("INSERT INTO match_results").
		WithArgs(
			res.InitiativeID,
			res.GrantURL,
			res.PrelimRating,
			res.MatchRating,
			res.UncertaintyRating,
			res.ShortDescription,
			"",
			"",
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveMatchResult(context.Background(), res))
	require.NoError(t, mock.ExpectationsWereMet())
}
