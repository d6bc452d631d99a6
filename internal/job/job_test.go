package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestApplyLastExplicitValueWins verifies that a sequence of partial updates
// reduces to the last explicitly provided value per field, and that fields
// never supplied keep their prior value.
func TestApplyLastExplicitValueWins(t *testing.T) {
	t.Parallel()

	rec := Record{Kind: KindScrape, Phase: PhaseStarting}
	rec.Apply(Update{TotalFound: Int(3), Message: String("found links")})
	rec.Apply(Update{CurrentGrant: Int(1)})
	rec.Apply(Update{CurrentGrant: Int(2)})

	require.NotNil(t, rec.TotalFound)
	assert.Equal(t, 3, *rec.TotalFound)
	require.NotNil(t, rec.CurrentGrant)
	assert.Equal(t, 2, *rec.CurrentGrant)
	assert.Equal(t, "found links", rec.Message)
	assert.Nil(t, rec.GrantsSaved, "field never supplied must stay unset")
}

// TestApplyExplicitZeroPersists asserts that an explicit zero overwrites and
// persists rather than being treated as absent.
func TestApplyExplicitZeroPersists(t *testing.T) {
	t.Parallel()

	rec := Record{Kind: KindScrape, Phase: PhaseSavingToDB}
	rec.Apply(Update{GrantsSaved: Int(0)})

	require.NotNil(t, rec.GrantsSaved)
	assert.Equal(t, 0, *rec.GrantsSaved)

	rec.Apply(Update{Message: String("saving batch")})
	require.NotNil(t, rec.GrantsSaved, "unrelated update must not unset the zero")
	assert.Equal(t, 0, *rec.GrantsSaved)
}

// TestApplyCountersNeverRegress checks the monotonic clamps: progress counters
// never decrease and remaining_calls never increases.
func TestApplyCountersNeverRegress(t *testing.T) {
	t.Parallel()

	rec := Record{Kind: KindAnalysis, Phase: PhaseCalculatingPhase1}
	rec.Apply(Update{CurrentGrant: Int(5), RemainingCalls: Int(10)})
	rec.Apply(Update{CurrentGrant: Int(3), RemainingCalls: Int(12)})

	assert.Equal(t, 5, *rec.CurrentGrant)
	assert.Equal(t, 10, *rec.RemainingCalls)

	rec.Apply(Update{CurrentGrant: Int(6), RemainingCalls: Int(9)})
	assert.Equal(t, 6, *rec.CurrentGrant)
	assert.Equal(t, 9, *rec.RemainingCalls)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		from Phase
		to   Phase
		want bool
	}{
		{"scrape forward", KindScrape, PhaseStarting, PhaseNavigating, true},
		{"scrape skip ahead", KindScrape, PhaseNavigating, PhaseSavingToDB, true},
		{"scrape same phase", KindScrape, PhaseScrapingDetails, PhaseScrapingDetails, true},
		{"scrape regression", KindScrape, PhaseSavingToDB, PhaseNavigating, false},
		{"error from any non-terminal", KindScrape, PhaseExtractingLinks, PhaseError, true},
		{"completed absorbs", KindScrape, PhaseCompleted, PhaseError, false},
		{"error absorbs", KindScrape, PhaseError, PhaseStarting, false},
		{"analysis forward", KindAnalysis, PhaseFiltering, PhaseScrapingPhase2, true},
		{"analysis regression", KindAnalysis, PhaseAnalyzing, PhaseFiltering, false},
		{"foreign phase rejected", KindAnalysis, PhaseFiltering, PhaseNavigating, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.kind.CanTransition(tc.from, tc.to))
		})
	}
}

func TestFailedUpdate(t *testing.T) {
	t.Parallel()

	rec := Record{Kind: KindScrape, Phase: PhaseNavigating}
	rec.Apply(Failed(errors.New("portal unreachable")))

	assert.Equal(t, PhaseError, rec.Phase)
	assert.Equal(t, "portal unreachable", rec.Error)
	assert.True(t, rec.Terminal())
}

func TestCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	rec := Record{Kind: KindScrape, Phase: PhaseScrapingDetails}
	rec.Apply(Update{CurrentGrant: Int(2)})

	snap := rec.Clone()
	rec.Apply(Update{CurrentGrant: Int(7)})

	assert.Equal(t, 2, *snap.CurrentGrant)
	assert.Equal(t, 7, *rec.CurrentGrant)
}
