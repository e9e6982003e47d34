package journal

import (
	"context"
	"testing"
	"time"

	"callbroker/internal/session"
)

func TestAppend_FillsDefaults(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }

	err := svc.Append(context.Background(), Record{
		SessionID: "s1",
		Outcome:   session.OutcomeFallback,
		Total:     3,
		Rejected:  3,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	recs := repo.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].ID == "" {
		t.Fatalf("id not assigned")
	}
	if !recs[0].CreatedAt.Equal(fixed) {
		t.Fatalf("created_at = %v", recs[0].CreatedAt)
	}
}

func TestAppend_RejectsInvalid(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	if err := svc.Append(context.Background(), Record{Outcome: session.OutcomeAccepted}); err != ErrInvalidRecord {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if err := svc.Append(context.Background(), Record{SessionID: "s1"}); err != ErrInvalidRecord {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}
