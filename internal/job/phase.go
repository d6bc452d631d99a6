package job

// Legacy phase tokens emitted by earlier producers. The status vocabulary was
// never versioned, so consumers normalize old tokens to the canonical ones
// instead of failing on them.
var legacyPhaseTokens = map[Kind]map[string]Phase{
	KindScrape: {
		"scraping": PhaseScrapingDetails,
		"saving":   PhaseSavingToDB,
	},
	KindAnalysis: {
		"calculating":   PhaseCalculatingPhase1,
		"deep_scraping": PhaseScrapingPhase2,
	},
}

// ParsePhase resolves a phase token for the given kind. Canonical tokens and
// known legacy synonyms map to their phase; anything else falls back to the
// kind's initial phase with ok=false.
func ParsePhase(kind Kind, token string) (Phase, bool) {
	p := Phase(token)
	if p.Terminal() || kind.phaseIndex(p) >= 0 {
		return p, true
	}
	if synonyms, ok := legacyPhaseTokens[kind]; ok {
		if canonical, ok := synonyms[token]; ok {
			return canonical, true
		}
	}
	return kind.Initial(), false
}

// Fixed per-phase progress estimates used when a real current/total pair is
// not available. Values increase monotonically along each kind's sequence.
var phaseEstimates = map[Kind]map[Phase]float64{
	KindScrape: {
		PhaseStarting:        5,
		PhaseNavigating:      15,
		PhaseExtractingLinks: 30,
		PhaseScrapingDetails: 55,
		PhaseSavingToDB:      85,
		PhaseCompleted:       100,
		PhaseError:           100,
	},
	KindAnalysis: {
		PhaseCalculatingPhase1: 20,
		PhaseFiltering:         40,
		PhaseScrapingPhase2:    60,
		PhaseAnalyzing:         80,
		PhaseCompleted:         100,
		PhaseError:             100,
	},
}

// Percentage computes the record's overall progress. When both a current
// count and a total are reported it is current/total*100; otherwise the
// per-phase estimate table applies.
func (r Record) Percentage() float64 {
	current := r.CurrentGrant
	if current == nil {
		current = r.ProcessedGrants
	}
	total := r.TotalFound
	if total == nil {
		total = r.TotalGrants
	}
	if current != nil && total != nil && *total > 0 {
		return float64(*current) / float64(*total) * 100
	}
	if estimates, ok := phaseEstimates[r.Kind]; ok {
		if pct, ok := estimates[r.Phase]; ok {
			return pct
		}
	}
	return 0
}
