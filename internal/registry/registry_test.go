package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/stream"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestRegistry() *Registry {
	hub := stream.NewHub(stream.Config{QueueSize: 128})
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(hub, clock, zap.NewNop())
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	rec, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.PhaseStarting, rec.Phase)

	got, err := reg.Get(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)

	_, err = reg.Get(job.KindScrape, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCreateRejectsActiveDuplicate covers the single-active-job guard: a
// second start for the same (kind, key) fails while the first is running.
func TestCreateRejectsActiveDuplicate(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.Create(job.KindAnalysis, "initiative-7")
	require.NoError(t, err)

	_, err = reg.Create(job.KindAnalysis, "initiative-7")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// Same key under the other kind is a different slot.
	_, err = reg.Create(job.KindScrape, "initiative-7")
	assert.NoError(t, err)
}

// TestCreateReplacesTerminalRecord resolves the documented open question:
// terminal records are immediately replaceable.
func TestCreateReplacesTerminalRecord(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.Create(job.KindAnalysis, "initiative-7")
	require.NoError(t, err)
	_, err = reg.Update(job.KindAnalysis, "initiative-7", job.PhaseTo(job.PhaseCompleted))
	require.NoError(t, err)

	rec, err := reg.Create(job.KindAnalysis, "initiative-7")
	require.NoError(t, err)
	assert.Equal(t, job.PhaseCalculatingPhase1, rec.Phase)
	assert.Nil(t, rec.TotalGrants, "replacement must start from a fresh record")
}

func TestUpdateMergesPartially(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)

	_, err = reg.Update(job.KindScrape, "job-1", job.Update{
		Phase:      ptrPhase(job.PhaseExtractingLinks),
		TotalFound: job.Int(3),
	})
	require.NoError(t, err)

	rec, err := reg.Update(job.KindScrape, "job-1", job.Update{
		Phase:       ptrPhase(job.PhaseSavingToDB),
		GrantsSaved: job.Int(0),
	})
	require.NoError(t, err)

	require.NotNil(t, rec.TotalFound)
	assert.Equal(t, 3, *rec.TotalFound, "unspecified field must survive the merge")
	require.NotNil(t, rec.GrantsSaved)
	assert.Equal(t, 0, *rec.GrantsSaved, "explicit zero must be stored")
}

func TestUpdateRejectsRegression(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	_, err = reg.Update(job.KindScrape, "job-1", job.PhaseTo(job.PhaseSavingToDB))
	require.NoError(t, err)

	_, err = reg.Update(job.KindScrape, "job-1", job.PhaseTo(job.PhaseNavigating))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateRejectsTerminalMutation(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)
	_, err = reg.Update(job.KindScrape, "job-1", job.PhaseTo(job.PhaseCompleted))
	require.NoError(t, err)

	_, err = reg.Update(job.KindScrape, "job-1", job.Update{TotalFound: job.Int(5)})
	assert.ErrorIs(t, err, ErrTerminal)

	rec, err := reg.Get(job.KindScrape, "job-1")
	require.NoError(t, err)
	assert.Nil(t, rec.TotalFound, "terminal record must not mutate")
}

// TestSubscribeAfterProgressReplaysCurrentState verifies the resume contract:
// a session attached after N items receives a replay reflecting N before any
// live event.
func TestSubscribeAfterProgressReplaysCurrentState(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.Create(job.KindScrape, "job-1")
	require.NoError(t, err)

	_, err = reg.Update(job.KindScrape, "job-1", job.Update{
		Phase:        ptrPhase(job.PhaseScrapingDetails),
		TotalFound:   job.Int(15),
		CurrentGrant: job.Int(9),
	})
	require.NoError(t, err)

	s, err := reg.Subscribe(job.KindScrape, "job-1")
	require.NoError(t, err)
	defer s.Close()

	_, err = reg.Update(job.KindScrape, "job-1", job.Update{CurrentGrant: job.Int(10)})
	require.NoError(t, err)

	replay := <-s.C()
	require.NotNil(t, replay.CurrentGrant)
	assert.Equal(t, 9, *replay.CurrentGrant)
	assert.InDelta(t, 60.0, replay.Percentage(), 1e-9)

	live := <-s.C()
	assert.Equal(t, 10, *live.CurrentGrant)
}

func TestSubscribeUnknownKey(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.Subscribe(job.KindScrape, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func ptrPhase(p job.Phase) *job.Phase {
	return &p
}
