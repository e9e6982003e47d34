package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"callbroker/internal/journal"
	"callbroker/internal/session"
	"callbroker/internal/telephony"
)

type stubGateway struct {
	mu        sync.Mutex
	placed    []telephony.PlaceCallParams
	redirects map[string][]string
	completed []string

	failNumbers map[string]bool
	nextLeg     int
}

func newStubGateway() *stubGateway {
	return &stubGateway{redirects: make(map[string][]string), failNumbers: make(map[string]bool)}
}

func (g *stubGateway) PlaceCall(ctx context.Context, p telephony.PlaceCallParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNumbers[p.To] {
		return "", errors.New("carrier unreachable")
	}
	g.placed = append(g.placed, p)
	g.nextLeg++
	return fmt.Sprintf("CA-%d", g.nextLeg), nil
}

func (g *stubGateway) RedirectCall(ctx context.Context, legRef, twimlURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.redirects[legRef] = append(g.redirects[legRef], twimlURL)
	return nil
}

func (g *stubGateway) CompleteCall(ctx context.Context, legRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed = append(g.completed, legRef)
	return nil
}

func (g *stubGateway) redirectCount(legRef string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.redirects[legRef])
}

func (g *stubGateway) lastRedirect(legRef string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	urls := g.redirects[legRef]
	if len(urls) == 0 {
		return ""
	}
	return urls[len(urls)-1]
}

type countingLimiter struct {
	mu       sync.Mutex
	deny     bool
	acquired int
	released int
}

func (l *countingLimiter) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *countingLimiter) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

type fixture struct {
	svc     *Service
	store   *session.MemoryStore
	gw      *stubGateway
	repo    *journal.MemoryRepo
	limiter *countingLimiter
}

func newFixture(t *testing.T, candidates int) *fixture {
	t.Helper()

	store := session.NewMemoryStore(10 * time.Minute)
	gw := newStubGateway()
	repo := journal.NewMemoryRepo()
	limiter := &countingLimiter{}

	var static []session.Contact
	for i := 0; i < candidates; i++ {
		static = append(static, session.Contact{
			Number: fmt.Sprintf("+1555000%04d", i),
			Name:   fmt.Sprintf("Vendor %d", i),
		})
	}

	svc := NewService(store, gw, nil, journal.NewService(repo), limiter, URLs{Base: "https://broker.test"}, Config{
		FromNumber:       "+15550009999",
		StaticCandidates: static,
	})
	return &fixture{svc: svc, store: store, gw: gw, repo: repo, limiter: limiter}
}

// connect seeds the caller correlation and runs Connect, returning the
// session id and the dialed leg refs in dial order.
func (f *fixture) connect(t *testing.T) (string, []string) {
	t.Helper()
	ctx := context.Background()

	if err := f.store.SetCorrelation(ctx, "+15551230000", "CA-customer"); err != nil {
		t.Fatalf("SetCorrelation: %v", err)
	}
	id, err := f.svc.Connect(ctx, ConnectRequest{Caller: "(555) 123-0000"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	legs, err := f.store.Legs(ctx, id)
	if err != nil {
		t.Fatalf("Legs: %v", err)
	}
	return id, legs
}

func TestConnectBroadcastsAllCandidates(t *testing.T) {
	f := newFixture(t, 3)
	id, legs := f.connect(t)

	if len(f.gw.placed) != 3 {
		t.Fatalf("placed %d calls, want 3", len(f.gw.placed))
	}
	if len(legs) != 3 {
		t.Fatalf("bound %d legs, want 3", len(legs))
	}
	for _, p := range f.gw.placed {
		if p.From != "+15550009999" {
			t.Errorf("From = %q", p.From)
		}
		if !p.MachineDetection {
			t.Error("machine detection not requested")
		}
		if !strings.Contains(p.StatusCallbackURL, "session="+id) {
			t.Errorf("status callback %q missing session id", p.StatusCallbackURL)
		}
	}

	// Customer parked in the conference before any candidate answers.
	if got := f.gw.lastRedirect("CA-customer"); !strings.Contains(got, "/twiml/conference") {
		t.Errorf("customer redirected to %q, want conference document", got)
	}
	if f.limiter.acquired != 1 {
		t.Errorf("acquired %d capacity slots, want 1", f.limiter.acquired)
	}
}

func TestConnectConsumesCorrelation(t *testing.T) {
	f := newFixture(t, 2)
	f.connect(t)
	ctx := context.Background()

	// The caller's leg is parked in a conference now; a repeat connect must
	// not re-broadcast it.
	if _, err := f.store.Correlation(ctx, "+15551230000"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Correlation err = %v, want ErrNotFound", err)
	}
	_, err := f.svc.Connect(ctx, ConnectRequest{Caller: "+15551230000"})
	if !errors.Is(err, ErrUnknownCaller) {
		t.Fatalf("repeat Connect err = %v, want ErrUnknownCaller", err)
	}
}

func TestConnectUnknownCaller(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.svc.Connect(context.Background(), ConnectRequest{Caller: "+15557779999"})
	if !errors.Is(err, ErrUnknownCaller) {
		t.Fatalf("err = %v, want ErrUnknownCaller", err)
	}
}

func TestConnectCapacityDenied(t *testing.T) {
	f := newFixture(t, 2)
	f.limiter.deny = true

	ctx := context.Background()
	if err := f.store.SetCorrelation(ctx, "+15551230000", "CA-customer"); err != nil {
		t.Fatalf("SetCorrelation: %v", err)
	}
	_, err := f.svc.Connect(ctx, ConnectRequest{Caller: "+15551230000"})
	if !errors.Is(err, ErrTooBusy) {
		t.Fatalf("err = %v, want ErrTooBusy", err)
	}
	if len(f.gw.placed) != 0 {
		t.Errorf("placed %d calls after capacity denial", len(f.gw.placed))
	}
}

func TestConnectNoCandidates(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	if err := f.store.SetCorrelation(ctx, "+15551230000", "CA-customer"); err != nil {
		t.Fatalf("SetCorrelation: %v", err)
	}
	_, err := f.svc.Connect(ctx, ConnectRequest{Caller: "+15551230000"})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
}

func TestFirstAcceptanceWinsAndReleasesLosers(t *testing.T) {
	f := newFixture(t, 3)
	id, legs := f.connect(t)
	ctx := context.Background()

	res, sess, err := f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[0], Digits: "1"})
	if err != nil {
		t.Fatalf("HandleKeypress: %v", err)
	}
	if res != ResultAccepted {
		t.Fatalf("result = %v, want ResultAccepted", res)
	}
	if sess.ConferenceName == "" {
		t.Error("accepted result carries no conference name")
	}

	for _, leg := range legs[1:] {
		if got := f.gw.lastRedirect(leg); !strings.Contains(got, "/twiml/taken") {
			t.Errorf("loser %s redirected to %q, want taken document", leg, got)
		}
	}
	if n := f.gw.redirectCount(legs[0]); n != 0 {
		t.Errorf("winner redirected %d times, want 0", n)
	}

	// A later acceptance from a loser is the already-taken outcome, with
	// no fresh teardown traffic.
	before := f.gw.redirectCount(legs[1])
	res, _, err = f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[1], Digits: "1"})
	if err != nil {
		t.Fatalf("late HandleKeypress: %v", err)
	}
	if res != ResultAlreadyTaken {
		t.Fatalf("late result = %v, want ResultAlreadyTaken", res)
	}
	if f.gw.redirectCount(legs[1]) != before {
		t.Error("late acceptance produced extra redirects")
	}

	recs := f.repo.Records()
	if len(recs) != 1 {
		t.Fatalf("journal has %d records, want 1", len(recs))
	}
	if recs[0].Outcome != session.OutcomeAccepted || recs[0].WinnerID != legs[0] {
		t.Errorf("journal record = %+v", recs[0])
	}
	if f.limiter.released != 1 {
		t.Errorf("released %d capacity slots, want 1", f.limiter.released)
	}
	if out := f.store.Outcome(id); out != session.OutcomeAccepted {
		t.Errorf("terminal outcome = %q", out)
	}
}

func TestWinnerReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	id, legs := f.connect(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, _, err := f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[0], Digits: "1"})
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if res != ResultAccepted {
			t.Fatalf("delivery %d: result = %v, want ResultAccepted", i, res)
		}
	}
	if len(f.repo.Records()) != 1 {
		t.Errorf("journal has %d records after duplicate accept, want 1", len(f.repo.Records()))
	}
}

func TestAllRejectionsFireFallbackExactlyOnce(t *testing.T) {
	f := newFixture(t, 3)
	id, legs := f.connect(t)
	ctx := context.Background()

	statuses := []string{"no-answer", "busy", "completed"}
	for i, leg := range legs {
		if err := f.svc.HandleStatus(ctx, StatusEvent{SessionID: id, CandidateID: leg, Status: statuses[i]}); err != nil {
			t.Fatalf("HandleStatus %s: %v", statuses[i], err)
		}
		// Duplicate delivery of every event.
		if err := f.svc.HandleStatus(ctx, StatusEvent{SessionID: id, CandidateID: leg, Status: statuses[i]}); err != nil {
			t.Fatalf("duplicate HandleStatus %s: %v", statuses[i], err)
		}
	}

	if n := f.gw.redirectCount("CA-customer"); n != 2 {
		// One park at connect plus exactly one fallback redirect.
		t.Fatalf("customer redirected %d times, want 2", n)
	}
	if got := f.gw.lastRedirect("CA-customer"); !strings.Contains(got, "/twiml/fallback") {
		t.Errorf("customer last redirected to %q, want fallback document", got)
	}

	recs := f.repo.Records()
	if len(recs) != 1 {
		t.Fatalf("journal has %d records, want 1", len(recs))
	}
	if recs[0].Outcome != session.OutcomeFallback || recs[0].Rejected != 3 {
		t.Errorf("journal record = %+v", recs[0])
	}
	if f.limiter.released != 1 {
		t.Errorf("released %d capacity slots, want 1", f.limiter.released)
	}
}

func TestDeclineKeypressCountsTowardFallback(t *testing.T) {
	f := newFixture(t, 2)
	id, legs := f.connect(t)
	ctx := context.Background()

	res, _, err := f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[0], Digits: "2"})
	if err != nil {
		t.Fatalf("HandleKeypress: %v", err)
	}
	if res != ResultDeclined {
		t.Fatalf("result = %v, want ResultDeclined", res)
	}

	// Gather timeout arrives as empty digits and declines too.
	res, _, err = f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[1], Digits: ""})
	if err != nil {
		t.Fatalf("HandleKeypress: %v", err)
	}
	if res != ResultDeclined {
		t.Fatalf("result = %v, want ResultDeclined", res)
	}

	if got := f.gw.lastRedirect("CA-customer"); !strings.Contains(got, "/twiml/fallback") {
		t.Errorf("customer last redirected to %q, want fallback document", got)
	}
}

func TestVoicemailAnswerHangsUpAndRejects(t *testing.T) {
	f := newFixture(t, 2)
	id, legs := f.connect(t)
	ctx := context.Background()

	err := f.svc.HandleStatus(ctx, StatusEvent{SessionID: id, CandidateID: legs[0], Status: "answered", AnsweredBy: "machine_start"})
	if err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if len(f.gw.completed) != 1 || f.gw.completed[0] != legs[0] {
		t.Fatalf("completed legs = %v, want [%s]", f.gw.completed, legs[0])
	}

	// A human answer is not terminal; the keypress decides.
	err = f.svc.HandleStatus(ctx, StatusEvent{SessionID: id, CandidateID: legs[1], Status: "answered", AnsweredBy: "human"})
	if err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if len(f.gw.completed) != 1 {
		t.Errorf("human answer hung up a leg")
	}

	res, _, err := f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[1], Digits: "1"})
	if err != nil {
		t.Fatalf("HandleKeypress: %v", err)
	}
	if res != ResultAccepted {
		t.Fatalf("result = %v, want ResultAccepted", res)
	}
}

func TestFallbackNeverFiresAfterAcceptance(t *testing.T) {
	f := newFixture(t, 2)
	id, legs := f.connect(t)
	ctx := context.Background()

	if _, _, err := f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[0], Digits: "1"}); err != nil {
		t.Fatalf("HandleKeypress: %v", err)
	}

	// The loser's hangup arrives after the win. It must not push the
	// customer out of the conference.
	if err := f.svc.HandleStatus(ctx, StatusEvent{SessionID: id, CandidateID: legs[1], Status: "completed"}); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if got := f.gw.lastRedirect("CA-customer"); strings.Contains(got, "/twiml/fallback") {
		t.Error("customer redirected to fallback after acceptance")
	}
	recs := f.repo.Records()
	if len(recs) != 1 || recs[0].Outcome != session.OutcomeAccepted {
		t.Errorf("journal records = %+v", recs)
	}
}

func TestExpiredSessionEventsAreIgnored(t *testing.T) {
	f := newFixture(t, 2)
	id, legs := f.connect(t)
	ctx := context.Background()

	now := time.Now()
	f.store.SetClock(func() time.Time { return now.Add(20 * time.Minute) })

	if err := f.svc.HandleStatus(ctx, StatusEvent{SessionID: id, CandidateID: legs[0], Status: "completed"}); err != nil {
		t.Fatalf("HandleStatus after expiry: %v", err)
	}
	res, _, err := f.svc.HandleKeypress(ctx, KeypressEvent{SessionID: id, CandidateID: legs[1], Digits: "1"})
	if err != nil {
		t.Fatalf("HandleKeypress after expiry: %v", err)
	}
	if res != ResultGone {
		t.Fatalf("result = %v, want ResultGone", res)
	}

	if n := f.gw.redirectCount("CA-customer"); n != 1 {
		t.Errorf("customer redirected %d times, want only the initial park", n)
	}
	if len(f.repo.Records()) != 0 {
		t.Errorf("journal has %d records for an expired session", len(f.repo.Records()))
	}
}

func TestPlacementFailureFeedsRejectionCount(t *testing.T) {
	f := newFixture(t, 2)
	f.gw.failNumbers["+15550000001"] = true

	id, legs := f.connect(t)
	if len(legs) != 1 {
		t.Fatalf("bound %d legs, want 1", len(legs))
	}
	ctx := context.Background()

	// The single reachable candidate hanging up must still resolve the
	// session: the failed placement already counted against the total.
	if err := f.svc.HandleStatus(ctx, StatusEvent{SessionID: id, CandidateID: legs[0], Status: "completed"}); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if got := f.gw.lastRedirect("CA-customer"); !strings.Contains(got, "/twiml/fallback") {
		t.Errorf("customer last redirected to %q, want fallback document", got)
	}
}

func TestStatusWithoutSessionIDUsesCandidateIndex(t *testing.T) {
	f := newFixture(t, 2)
	_, legs := f.connect(t)
	ctx := context.Background()

	if err := f.svc.HandleStatus(ctx, StatusEvent{CandidateID: legs[0], Status: "busy"}); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	id, err := f.store.SessionForCandidate(ctx, legs[0])
	if err != nil {
		t.Fatalf("SessionForCandidate: %v", err)
	}
	cand, err := f.store.Candidate(ctx, id, legs[0])
	if err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	if cand.Status != session.StatusFailed {
		t.Errorf("status = %q, want %q", cand.Status, session.StatusFailed)
	}
}
