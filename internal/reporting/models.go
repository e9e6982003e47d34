package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// OutcomeSummaryRequest requests aggregated session outcome metrics.
type OutcomeSummaryRequest struct {
	Range TimeRange `json:"range"`
}

type OutcomeSummary struct {
	Range TimeRange `json:"range"`

	TotalSessions    int `json:"total_sessions"`
	AcceptedSessions int `json:"accepted_sessions"`
	FallbackSessions int `json:"fallback_sessions"`
	KilledSessions   int `json:"killed_sessions"`

	// CandidatesDialed sums session candidate totals; CandidatesRejected
	// sums terminal negative legs.
	CandidatesDialed   int   `json:"candidates_dialed"`
	CandidatesRejected int64 `json:"candidates_rejected"`

	// AcceptanceRate is accepted over total, 0 when there were no sessions.
	AcceptanceRate float64 `json:"acceptance_rate"`
}
