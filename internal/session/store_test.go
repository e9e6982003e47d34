package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestSession(id string, numbers ...string) Session {
	var cands []Candidate
	for _, n := range numbers {
		cands = append(cands, Candidate{Contact: Contact{Number: n}})
	}
	return Session{
		ID:             id,
		ConferenceName: "conf_" + id,
		CustomerRef:    "CAcustomer",
		Candidates:     cands,
		CreatedAt:      time.Now(),
	}
}

func TestMemoryStore_TryAcceptFirstWins(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1", "+2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := st.TryAccept(ctx, "s1", "CAone")
	if err != nil || res != AcceptWon {
		t.Fatalf("first accept: res=%v err=%v", res, err)
	}
	res, err = st.TryAccept(ctx, "s1", "CAtwo")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if res != AcceptLost {
		t.Fatalf("second candidate must lose the race, got %v", res)
	}
	// Re-delivery by the winner is flagged as a replay, never a fresh win.
	res, err = st.TryAccept(ctx, "s1", "CAone")
	if err != nil || res != AcceptReplayed {
		t.Fatalf("winner replay: res=%v err=%v", res, err)
	}
}

func TestMemoryStore_TryAcceptConcurrentExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1", "+2", "+3")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cid := fmt.Sprintf("CA%d", i)
			res, err := st.TryAccept(ctx, "s1", cid)
			if err != nil {
				t.Errorf("accept %s: %v", cid, err)
				return
			}
			if res == AcceptWon {
				wins <- cid
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
}

func TestMemoryStore_MarkRejectedDeduplicates(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1", "+2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	counted, n, err := st.MarkRejected(ctx, "s1", "CAone", StatusVoicemail)
	if err != nil || !counted || n != 1 {
		t.Fatalf("first rejection: counted=%v n=%d err=%v", counted, n, err)
	}
	// At-least-once delivery: the same terminal event arrives again.
	counted, n, err = st.MarkRejected(ctx, "s1", "CAone", StatusVoicemail)
	if err != nil {
		t.Fatalf("duplicate rejection: %v", err)
	}
	if counted || n != 1 {
		t.Fatalf("duplicate must not count: counted=%v n=%d", counted, n)
	}
}

func TestMemoryStore_MarkRejectedIgnoresAcceptedCandidate(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1", "+2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res, _ := st.TryAccept(ctx, "s1", "CAone"); res != AcceptWon {
		t.Fatalf("accept failed")
	}
	counted, n, err := st.MarkRejected(ctx, "s1", "CAone", StatusFailed)
	if err != nil {
		t.Fatalf("reject after accept: %v", err)
	}
	if counted || n != 0 {
		t.Fatalf("accepted candidate must never count as rejected: counted=%v n=%d", counted, n)
	}
}

func TestMemoryStore_FallbackFiresOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1", "+2", "+3")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	fired := 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.TryTriggerFallback(ctx, "s1")
			if err != nil {
				t.Errorf("trigger: %v", err)
				return
			}
			if ok {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if fired != 1 {
		t.Fatalf("fallback fired %d times, want 1", fired)
	}
}

func TestMemoryStore_FallbackNeverFiresAfterAccept(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res, _ := st.TryAccept(ctx, "s1", "CAone"); res != AcceptWon {
		t.Fatalf("accept failed")
	}
	ok, err := st.TryTriggerFallback(ctx, "s1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if ok {
		t.Fatalf("fallback must not fire on an accepted session")
	}
}

func TestMemoryStore_ExpiredSessionNotFound(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(time.Minute)
	now := time.Now()
	st.SetClock(func() time.Time { return now })

	if err := st.Create(ctx, newTestSession("s1", "+1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.BindCandidate(ctx, "s1", Candidate{ID: "CAone", Contact: Contact{Number: "+1"}}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	now = now.Add(2 * time.Minute)

	if _, err := st.Get(ctx, "s1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := st.TryAccept(ctx, "s1", "CAone"); err != ErrNotFound {
		t.Fatalf("accept on expired session: %v", err)
	}
	if _, _, err := st.MarkRejected(ctx, "s1", "CAone", StatusFailed); err != ErrNotFound {
		t.Fatalf("reject on expired session: %v", err)
	}
	if _, err := st.SessionForCandidate(ctx, "CAone"); err != ErrNotFound {
		t.Fatalf("index on expired session: %v", err)
	}
}

func TestMemoryStore_BindAndResolveCandidate(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.BindCandidate(ctx, "s1", Candidate{ID: "CAone", Contact: Contact{Number: "+1", Name: "Ace Plumbing"}}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	id, err := st.SessionForCandidate(ctx, "CAone")
	if err != nil || id != "s1" {
		t.Fatalf("resolve: id=%q err=%v", id, err)
	}
	c, err := st.Candidate(ctx, "s1", "CAone")
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if c.Contact.Name != "Ace Plumbing" {
		t.Fatalf("contact metadata lost: %+v", c)
	}
	legs, err := st.Legs(ctx, "s1")
	if err != nil || len(legs) != 1 || legs[0] != "CAone" {
		t.Fatalf("legs: %v err=%v", legs, err)
	}
}

func TestMemoryStore_TrackedLegsIncludesCustomer(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(0)
	if err := st.Create(ctx, newTestSession("s1", "+1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.BindCandidate(ctx, "s1", Candidate{ID: "CAone", Contact: Contact{Number: "+1"}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	legs, err := st.TrackedLegs(ctx)
	if err != nil {
		t.Fatalf("tracked legs: %v", err)
	}
	found := map[string]bool{}
	for _, l := range legs {
		found[l] = true
	}
	if !found["CAone"] || !found["CAcustomer"] {
		t.Fatalf("expected candidate and customer legs, got %v", legs)
	}
}

func TestCandidateStatusClassification(t *testing.T) {
	cases := []struct {
		status   CandidateStatus
		terminal bool
		negative bool
	}{
		{StatusDialing, false, false},
		{StatusRinging, false, false},
		{StatusAnswered, false, false},
		{StatusAccepted, true, false},
		{StatusDeclined, true, true},
		{StatusVoicemail, true, true},
		{StatusFailed, true, true},
		{StatusSuperseded, true, false},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("%s: Terminal() = %v, want %v", tc.status, got, tc.terminal)
		}
		if got := tc.status.Negative(); got != tc.negative {
			t.Errorf("%s: Negative() = %v, want %v", tc.status, got, tc.negative)
		}
	}
}
