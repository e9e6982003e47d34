// Package journal persists one append-only record per routed session,
// written when the session reaches its terminal outcome.
package journal

import (
	"context"
	"errors"
	"time"

	"callbroker/internal/session"

	"github.com/google/uuid"
)

// Record is an immutable account of how one session ended.
//
// Invariants:
// - Records are never updated or deleted.
// - Journaling is best-effort; a journal failure must never block call flow.
type Record struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	Outcome session.Outcome `json:"outcome" db:"outcome"`

	// Winner fields are set only for accepted outcomes.
	WinnerID     string `json:"winner_id,omitempty" db:"winner_id"`
	WinnerNumber string `json:"winner_number,omitempty" db:"winner_number"`
	WinnerName   string `json:"winner_name,omitempty" db:"winner_name"`

	Total    int   `json:"total" db:"total"`
	Rejected int64 `json:"rejected" db:"rejected"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Repository is the persistence contract. Append-only; no Update/Delete
// methods are provided.
type Repository interface {
	Append(ctx context.Context, rec Record) error
}

var ErrInvalidRecord = errors.New("journal: invalid record")

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, rec Record) error {
	if s.repo == nil {
		return errors.New("journal: repository not configured")
	}
	if rec.SessionID == "" || rec.Outcome == "" {
		return ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, rec)
}
