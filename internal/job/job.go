// Package job defines the core types shared by the job pipeline: job kinds,
// phase state machines, status records, and partial status updates.
package job

import (
	"fmt"
	"time"
)

// Kind distinguishes the two background job pipelines.
type Kind string

// Supported job kinds.
const (
	KindScrape   Kind = "scrape"
	KindAnalysis Kind = "analysis"
)

// Phase is a named stage in a job's ordered lifecycle.
type Phase string

// Scrape job phases, in canonical order.
const (
	PhaseStarting        Phase = "starting"
	PhaseNavigating      Phase = "navigating"
	PhaseExtractingLinks Phase = "extracting_links"
	PhaseScrapingDetails Phase = "scraping_details"
	PhaseSavingToDB      Phase = "saving_to_db"
)

// Analysis job phases, in canonical order.
const (
	PhaseCalculatingPhase1 Phase = "calculating_phase1"
	PhaseFiltering         Phase = "filtering"
	PhaseScrapingPhase2    Phase = "scraping_phase2"
	PhaseAnalyzing         Phase = "analyzing"
)

// Terminal phases shared by both kinds.
const (
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

var (
	scrapeSequence = []Phase{
		PhaseStarting,
		PhaseNavigating,
		PhaseExtractingLinks,
		PhaseScrapingDetails,
		PhaseSavingToDB,
		PhaseCompleted,
	}
	analysisSequence = []Phase{
		PhaseCalculatingPhase1,
		PhaseFiltering,
		PhaseScrapingPhase2,
		PhaseAnalyzing,
		PhaseCompleted,
	}
)

// Valid reports whether the kind is one of the supported job kinds.
func (k Kind) Valid() bool {
	return k == KindScrape || k == KindAnalysis
}

// Sequence returns the kind's canonical phase order, ending in completed.
// The error phase is reachable from any non-terminal phase and is not part
// of the sequence.
func (k Kind) Sequence() []Phase {
	switch k {
	case KindScrape:
		return scrapeSequence
	case KindAnalysis:
		return analysisSequence
	default:
		return nil
	}
}

// Initial returns the first phase of the kind's sequence.
func (k Kind) Initial() Phase {
	seq := k.Sequence()
	if len(seq) == 0 {
		return PhaseError
	}
	return seq[0]
}

// phaseIndex returns the position of p in the kind's sequence, or -1.
func (k Kind) phaseIndex(p Phase) int {
	for i, candidate := range k.Sequence() {
		if candidate == p {
			return i
		}
	}
	return -1
}

// CanTransition reports whether moving from one phase to another respects the
// kind's state machine: phases never regress, terminal phases absorb, and
// error is reachable from any non-terminal phase.
func (k Kind) CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseError {
		return true
	}
	fromIdx := k.phaseIndex(from)
	toIdx := k.phaseIndex(to)
	if fromIdx < 0 || toIdx < 0 {
		return false
	}
	return toIdx >= fromIdx
}

// Terminal reports whether the phase is absorbing.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// Record is the observable state of one job: its phase plus the progress
// fields the runner has reported so far. Progress fields use pointers so
// that "never reported" is distinct from "reported as zero".
type Record struct {
	Key     string `json:"key"`
	Kind    Kind   `json:"kind"`
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	// Scrape progress.
	TotalFound   *int `json:"total_found,omitempty"`
	CurrentGrant *int `json:"current_grant,omitempty"`
	GrantsSaved  *int `json:"grants_saved,omitempty"`

	// Analysis progress.
	RemainingCalls  *int `json:"remaining_calls,omitempty"`
	TotalGrants     *int `json:"total_grants,omitempty"`
	ProcessedGrants *int `json:"processed_grants,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update is a partial, field-wise status update. A nil field leaves the
// record's value untouched; a non-nil field overwrites it, including with an
// explicit zero.
type Update struct {
	Phase           *Phase
	Message         *string
	Error           *string
	TotalFound      *int
	CurrentGrant    *int
	GrantsSaved     *int
	RemainingCalls  *int
	TotalGrants     *int
	ProcessedGrants *int
}

// PhaseTo is a convenience constructor for phase-only updates.
func PhaseTo(p Phase) Update {
	return Update{Phase: &p}
}

// Failed builds the terminal error update for a job failure.
func Failed(err error) Update {
	p := PhaseError
	msg := err.Error()
	return Update{Phase: &p, Error: &msg, Message: &msg}
}

// Int returns a pointer to v, for building Update literals.
func Int(v int) *int { return &v }

// String returns a pointer to v, for building Update literals.
func String(v string) *string { return &v }

// Apply merges the update into the record in place. Counters are clamped so
// they never regress (remaining_calls counts down, so it never climbs).
// Phase validity is the registry's job; Apply only merges fields.
func (r *Record) Apply(u Update) {
	if u.Phase != nil {
		r.Phase = *u.Phase
	}
	if u.Message != nil {
		r.Message = *u.Message
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	mergeNonDecreasing(&r.TotalFound, u.TotalFound)
	mergeNonDecreasing(&r.CurrentGrant, u.CurrentGrant)
	mergeNonDecreasing(&r.GrantsSaved, u.GrantsSaved)
	mergeNonDecreasing(&r.TotalGrants, u.TotalGrants)
	mergeNonDecreasing(&r.ProcessedGrants, u.ProcessedGrants)
	mergeNonIncreasing(&r.RemainingCalls, u.RemainingCalls)
}

func mergeNonDecreasing(dst **int, src *int) {
	if src == nil {
		return
	}
	if *dst != nil && *src < **dst {
		return
	}
	v := *src
	*dst = &v
}

func mergeNonIncreasing(dst **int, src *int) {
	if src == nil {
		return
	}
	if *dst != nil && *src > **dst {
		return
	}
	v := *src
	*dst = &v
}

// Clone returns a deep copy so snapshots never alias registry state.
func (r Record) Clone() Record {
	cp := r
	cp.TotalFound = cloneInt(r.TotalFound)
	cp.CurrentGrant = cloneInt(r.CurrentGrant)
	cp.GrantsSaved = cloneInt(r.GrantsSaved)
	cp.RemainingCalls = cloneInt(r.RemainingCalls)
	cp.TotalGrants = cloneInt(r.TotalGrants)
	cp.ProcessedGrants = cloneInt(r.ProcessedGrants)
	return cp
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Terminal reports whether the record has reached an absorbing phase.
func (r Record) Terminal() bool {
	return r.Phase.Terminal()
}

func (r Record) String() string {
	return fmt.Sprintf("%s/%s phase=%s", r.Kind, r.Key, r.Phase)
}
