package syncer

import "example.com/activitysync/internal/domain"

// Report aggregates per-user outcomes of one run.
type Report struct {
	RunID         string            `json:"-"`
	Errors        map[string]string `json:"errors"`
	ReachedOldest []string          `json:"reachedOldest"`
}

// NewReport returns an empty report.
func NewReport(runID string) Report {
	return Report{
		RunID:         runID,
		Errors:        make(map[string]string),
		ReachedOldest: make([]string, 0),
	}
}

// Add folds one user's result into the report. It is not safe for concurrent
// use; results are collected first and folded by the caller.
func (r *Report) Add(result UserResult) {
	if result.Err != nil {
		r.Errors[result.UserID] = domain.Reason(result.Err)
	}
	if result.ReachedOldest {
		r.ReachedOldest = append(r.ReachedOldest, result.UserID)
	}
}
