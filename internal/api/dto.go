package api

import (
	"time"

	"github.com/leeyy0/grantscraper/internal/job"
)

// statusDTO is the wire shape of one job status snapshot. Progress fields
// stay pointers so a never-reported counter is omitted while an explicit
// zero survives.
type statusDTO struct {
	JobID   string `json:"job_id"`
	Kind    string `json:"kind"`
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	TotalFound      *int `json:"total_found,omitempty"`
	CurrentGrant    *int `json:"current_grant,omitempty"`
	GrantsSaved     *int `json:"grants_saved,omitempty"`
	RemainingCalls  *int `json:"remaining_calls,omitempty"`
	TotalGrants     *int `json:"total_grants,omitempty"`
	ProcessedGrants *int `json:"processed_grants,omitempty"`

	Percentage float64   `json:"percentage"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// startedDTO is the 202 response for a newly launched job: the initial
// snapshot plus the endpoints to poll or stream it.
type startedDTO struct {
	statusDTO
	Threshold      int    `json:"threshold,omitempty"`
	StatusEndpoint string `json:"status_endpoint"`
	StreamEndpoint string `json:"stream_endpoint"`
}

func toStatusDTO(rec job.Record) statusDTO {
	return statusDTO{
		JobID:           rec.Key,
		Kind:            string(rec.Kind),
		Phase:           string(rec.Phase),
		Message:         rec.Message,
		Error:           rec.Error,
		TotalFound:      rec.TotalFound,
		CurrentGrant:    rec.CurrentGrant,
		GrantsSaved:     rec.GrantsSaved,
		RemainingCalls:  rec.RemainingCalls,
		TotalGrants:     rec.TotalGrants,
		ProcessedGrants: rec.ProcessedGrants,
		Percentage:      rec.Percentage(),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
