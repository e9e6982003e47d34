// Package reporting aggregates session outcome records into operator-facing
// metrics. Reads only; the journal is the immutable source.
package reporting

import (
	"context"
	"errors"
	"time"

	"callbroker/internal/journal"
	"callbroker/internal/session"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. Implementations should
// query the immutable outcome journal.
type Repository interface {
	ListRange(ctx context.Context, from, to time.Time) ([]journal.Record, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) OutcomeSummary(ctx context.Context, req OutcomeSummaryRequest) (OutcomeSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return OutcomeSummary{}, errors.New("reporting: repository not configured")
	}

	recs, err := s.repo.ListRange(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return OutcomeSummary{}, err
	}

	out := OutcomeSummary{Range: req.Range}
	for _, rec := range recs {
		out.TotalSessions++
		out.CandidatesDialed += rec.Total
		out.CandidatesRejected += rec.Rejected
		switch rec.Outcome {
		case session.OutcomeAccepted:
			out.AcceptedSessions++
		case session.OutcomeFallback:
			out.FallbackSessions++
		case session.OutcomeKilled:
			out.KilledSessions++
		}
	}
	if out.TotalSessions > 0 {
		out.AcceptanceRate = float64(out.AcceptedSessions) / float64(out.TotalSessions)
	}
	return out, nil
}
