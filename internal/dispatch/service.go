// Package dispatch orchestrates one inbound session against N candidate call
// legs: concurrent broadcast, first-acceptance arbitration, rejection
// counting, and single-fire fallback.
//
// Handlers for different webhook deliveries of the same session run
// concurrently and share nothing in process; every exactly-once decision is a
// store-level CAS. Losing a CAS is the designed already-handled outcome.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"callbroker/internal/journal"
	"callbroker/internal/session"
	"callbroker/internal/telephony"
	"callbroker/pkg/logger"

	"github.com/google/uuid"
)

// CandidateResolver finds dialable businesses near a location.
type CandidateResolver interface {
	Lookup(ctx context.Context, zipcode, service string) ([]session.Contact, error)
}

// Limiter bounds concurrently broadcasting sessions.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var (
	ErrUnknownCaller = errors.New("dispatch: no tracked call for caller")
	ErrNoCandidates  = errors.New("dispatch: no candidates to dial")
	ErrTooBusy       = errors.New("dispatch: session capacity reached")
)

type Service struct {
	store    session.Store
	gw       telephony.Gateway
	resolver CandidateResolver
	journal  *journal.Service
	limiter  Limiter
	urls     URLs

	fromNumber       string
	staticCandidates []session.Contact
	notifyURL        string
	ringTimeout      time.Duration

	httpc *http.Client
	clock func() time.Time
	newID func() string
}

type Config struct {
	FromNumber       string
	StaticCandidates []session.Contact
	NotifyWebhookURL string
	RingTimeout      time.Duration
}

func NewService(store session.Store, gw telephony.Gateway, resolver CandidateResolver, jnl *journal.Service, limiter Limiter, urls URLs, cfg Config) *Service {
	if limiter == nil {
		limiter = NopLimiter{}
	}
	ringTimeout := cfg.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = 25 * time.Second
	}
	return &Service{
		store:            store,
		gw:               gw,
		resolver:         resolver,
		journal:          jnl,
		limiter:          limiter,
		urls:             urls,
		fromNumber:       cfg.FromNumber,
		staticCandidates: cfg.StaticCandidates,
		notifyURL:        cfg.NotifyWebhookURL,
		ringTimeout:      ringTimeout,
		httpc:            &http.Client{Timeout: 10 * time.Second},
		clock:            time.Now,
		newID:            uuid.NewString,
	}
}

type ConnectRequest struct {
	Caller   string
	Zipcode  string
	Category string
}

// Connect resolves the caller's tracked leg and candidate list, creates the
// session, parks the customer in the session conference, and broadcasts dials.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (string, error) {
	log := logger.From(ctx)

	caller := telephony.NormalizePhone(req.Caller)
	if caller == "" {
		return "", fmt.Errorf("dispatch: caller is required")
	}

	callRef, err := s.store.Correlation(ctx, caller)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", ErrUnknownCaller
		}
		return "", err
	}

	contacts, err := s.resolveCandidates(ctx, req)
	if err != nil {
		return "", err
	}

	ok, err := s.limiter.Acquire(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTooBusy
	}

	id := s.newID()
	sess := session.Session{
		ID:             id,
		CustomerRef:    callRef,
		ConferenceName: "conf_" + id,
		CreatedAt:      s.clock().UTC(),
	}
	for _, c := range contacts {
		sess.Candidates = append(sess.Candidates, session.Candidate{Contact: c, Status: session.StatusDialing})
	}
	if err := s.store.Create(ctx, sess); err != nil {
		_ = s.limiter.Release(ctx)
		return "", err
	}

	// Park the customer in the conference before any candidate can answer.
	if err := s.gw.RedirectCall(ctx, callRef, s.urls.CustomerConference(id)); err != nil {
		_ = s.limiter.Release(ctx)
		return "", fmt.Errorf("dispatch: park customer leg: %w", err)
	}

	// The correlation is consumed: a repeat connect for the same caller must
	// not re-broadcast a leg that is already parked in a conference.
	if err := s.store.DeleteCorrelation(ctx, caller); err != nil {
		log.Warn("correlation cleanup failed", "session_id", id, "err", err)
	}

	log.Info("session created", "session_id", id, "candidates", len(contacts))
	s.broadcast(ctx, sess)
	return id, nil
}

func (s *Service) resolveCandidates(ctx context.Context, req ConnectRequest) ([]session.Contact, error) {
	if req.Zipcode != "" && req.Category != "" && s.resolver != nil {
		contacts, err := s.resolver.Lookup(ctx, req.Zipcode, req.Category)
		if err != nil {
			return nil, fmt.Errorf("dispatch: directory lookup: %w", err)
		}
		return contacts, nil
	}
	if len(s.staticCandidates) == 0 {
		return nil, ErrNoCandidates
	}
	return s.staticCandidates, nil
}

// broadcast dials every candidate independently. A placement failure never
// aborts the loop: the candidate is recorded FAILED and feeds the rejection
// count, so a session with unreachable candidates still resolves.
func (s *Service) broadcast(ctx context.Context, sess session.Session) {
	log := logger.From(ctx)

	for _, cand := range sess.Candidates {
		legRef, err := s.gw.PlaceCall(ctx, telephony.PlaceCallParams{
			From:              s.fromNumber,
			To:                cand.Contact.Number,
			AnswerURL:         s.urls.CandidatePrompt(sess.ID),
			StatusCallbackURL: s.urls.StatusCallback(sess.ID),
			MachineDetection:  true,
			RingTimeout:       s.ringTimeout,
		})
		if err != nil {
			log.Warn("candidate dial failed", "session_id", sess.ID, "to", cand.Contact.Number, "err", err)
			// Synthetic leg id keeps the per-candidate dedup guard unique.
			s.reject(ctx, sess.ID, "undialed-"+s.newID(), session.StatusFailed)
			continue
		}

		cand.ID = legRef
		if err := s.store.BindCandidate(ctx, sess.ID, cand); err != nil {
			log.Error("candidate bind failed", "session_id", sess.ID, "leg", legRef, "err", err)
			continue
		}
		log.Debug("candidate dialed", "session_id", sess.ID, "leg", legRef)
	}
}

// winnerNotification is posted to the configured webhook after acceptance.
type winnerNotification struct {
	SessionID string `json:"session_id"`
	Number    string `json:"number"`
	Name      string `json:"name,omitempty"`
	Source    string `json:"source,omitempty"`
}

func (s *Service) notifyWinner(ctx context.Context, sessionID string, contact session.Contact) {
	if s.notifyURL == "" {
		return
	}
	log := logger.From(ctx)

	body, err := json.Marshal(winnerNotification{
		SessionID: sessionID,
		Number:    contact.Number,
		Name:      contact.Name,
		Source:    contact.Source,
	})
	if err != nil {
		log.Error("winner notification encode failed", "session_id", sessionID, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.notifyURL, bytes.NewReader(body))
	if err != nil {
		log.Error("winner notification request failed", "session_id", sessionID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		log.Warn("winner notification delivery failed", "session_id", sessionID, "err", err)
		return
	}
	_ = resp.Body.Close()
}

func (s *Service) journalOutcome(ctx context.Context, rec journal.Record) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(ctx, rec); err != nil {
		logger.From(ctx).Error("journal append failed", "session_id", rec.SessionID, "err", err)
	}
}
