package dispatch

import (
	"context"
	"errors"
	"strings"

	"callbroker/internal/journal"
	"callbroker/internal/session"
	"callbroker/pkg/logger"
)

// StatusEvent is a provider status callback for one candidate leg.
// Delivery is at-least-once and unordered; everything below must tolerate
// duplicates and arbitrary interleaving.
type StatusEvent struct {
	// SessionID comes from the callback URL; resolved via the candidate
	// index when absent.
	SessionID   string
	CandidateID string

	// Status is the provider's leg status: initiated, ringing, answered,
	// in-progress, completed, busy, failed, no-answer, canceled.
	Status string

	// AnsweredBy is the machine-detection verdict, when present.
	AnsweredBy string
}

// KeypressEvent is a candidate's interactive response to the accept prompt.
type KeypressEvent struct {
	SessionID   string
	CandidateID string
	Digits      string
}

// KeypressResult tells the webhook handler what to play to the leg.
type KeypressResult int

const (
	// ResultAccepted: this leg won; bridge it into the conference.
	ResultAccepted KeypressResult = iota
	// ResultAlreadyTaken: another leg won first; play the taken message.
	ResultAlreadyTaken
	// ResultDeclined: the leg declined; thank and release it.
	ResultDeclined
	// ResultGone: session expired or unknown; treat as taken.
	ResultGone
)

const acceptDigit = "1"

// HandleStatus routes a status callback. Unknown or expired sessions are
// safe no-ops; so are late events for candidates already settled.
func (s *Service) HandleStatus(ctx context.Context, ev StatusEvent) error {
	log := logger.From(ctx)

	id, err := s.resolveSession(ctx, ev.SessionID, ev.CandidateID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Debug("status for unknown session ignored", "leg", ev.CandidateID, "status", ev.Status)
			return nil
		}
		return err
	}

	switch ev.Status {
	case "initiated", "ringing":
		log.Debug("candidate progress", "session_id", id, "leg", ev.CandidateID, "status", ev.Status)
		return nil

	case "answered", "in-progress":
		if machineAnswered(ev.AnsweredBy) {
			// Voicemail picked up; hang the leg up and count the
			// rejection. The hangup is best-effort: the count is
			// what resolves the session.
			if err := s.gw.CompleteCall(ctx, ev.CandidateID); err != nil {
				log.Warn("voicemail hangup failed", "session_id", id, "leg", ev.CandidateID, "err", err)
			}
			s.reject(ctx, id, ev.CandidateID, session.StatusVoicemail)
			return nil
		}
		// A human (or unclassified) answer: the accept prompt is
		// playing; the decision arrives as a keypress event.
		log.Debug("candidate answered", "session_id", id, "leg", ev.CandidateID)
		return nil

	case "completed":
		// Hung up without accepting. If the candidate already settled
		// (accepted, superseded, counted), reject dedups to a no-op.
		s.reject(ctx, id, ev.CandidateID, session.StatusDeclined)
		return nil

	case "busy", "no-answer", "failed", "canceled":
		s.reject(ctx, id, ev.CandidateID, session.StatusFailed)
		return nil

	default:
		log.Debug("unrecognized leg status ignored", "session_id", id, "leg", ev.CandidateID, "status", ev.Status)
		return nil
	}
}

// HandleKeypress arbitrates an interactive response. Digit 1 accepts; any
// other input (or a Gather timeout, delivered as empty digits) declines.
func (s *Service) HandleKeypress(ctx context.Context, ev KeypressEvent) (KeypressResult, session.Session, error) {
	log := logger.From(ctx)

	id, err := s.resolveSession(ctx, ev.SessionID, ev.CandidateID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Debug("keypress for unknown session ignored", "leg", ev.CandidateID)
			return ResultGone, session.Session{}, nil
		}
		return ResultGone, session.Session{}, err
	}

	if ev.Digits != acceptDigit {
		s.reject(ctx, id, ev.CandidateID, session.StatusDeclined)
		sess, _ := s.store.Get(ctx, id)
		return ResultDeclined, sess, nil
	}

	res, err := s.store.TryAccept(ctx, id, ev.CandidateID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ResultGone, session.Session{}, nil
		}
		return ResultGone, session.Session{}, err
	}
	switch res {
	case session.AcceptLost:
		// Lost the race. The designed no-op: the leg hears the taken
		// message and nothing else happens.
		log.Info("acceptance lost race", "session_id", id, "leg", ev.CandidateID)
		return ResultAlreadyTaken, session.Session{}, nil
	case session.AcceptReplayed:
		// Re-delivered winning keypress. Teardown and journaling already
		// ran; just re-render the conference join.
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return ResultGone, session.Session{}, nil
			}
			return ResultGone, session.Session{}, err
		}
		return ResultAccepted, sess, nil
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return ResultGone, session.Session{}, err
	}

	s.teardownLosers(ctx, sess, ev.CandidateID)

	var winnerContact session.Contact
	if cand, err := s.store.Candidate(ctx, id, ev.CandidateID); err == nil {
		winnerContact = cand.Contact
	}
	s.notifyWinner(ctx, id, winnerContact)

	s.journalOutcome(ctx, journal.Record{
		SessionID:    id,
		Outcome:      session.OutcomeAccepted,
		WinnerID:     ev.CandidateID,
		WinnerNumber: winnerContact.Number,
		WinnerName:   winnerContact.Name,
		Total:        sess.Total,
	})
	if err := s.store.MarkTerminated(ctx, id, session.OutcomeAccepted); err != nil {
		log.Error("terminate mark failed", "session_id", id, "err", err)
	}
	_ = s.limiter.Release(ctx)

	log.Info("session accepted", "session_id", id, "leg", ev.CandidateID)
	return ResultAccepted, sess, nil
}

// teardownLosers supersedes and releases every other tracked leg. Failures
// are logged with one retry and never surface to the winner.
func (s *Service) teardownLosers(ctx context.Context, sess session.Session, winnerID string) {
	log := logger.From(ctx)

	legs, err := s.store.Legs(ctx, sess.ID)
	if err != nil {
		log.Error("loser enumeration failed", "session_id", sess.ID, "err", err)
		return
	}
	for _, leg := range legs {
		if leg == winnerID {
			continue
		}
		if err := s.store.MarkSuperseded(ctx, sess.ID, leg); err != nil {
			log.Warn("supersede mark failed", "session_id", sess.ID, "leg", leg, "err", err)
		}
		if err := s.gw.RedirectCall(ctx, leg, s.urls.Taken()); err != nil {
			log.Warn("loser teardown failed, retrying once", "session_id", sess.ID, "leg", leg, "err", err)
			if err := s.gw.RedirectCall(ctx, leg, s.urls.Taken()); err != nil {
				log.Error("loser teardown failed", "session_id", sess.ID, "leg", leg, "err", err)
			}
		}
	}
}

// reject records a terminal negative status and fires fallback when this
// rejection exhausts the candidate list. Exactly one caller ever observes
// the fallback CAS succeed.
func (s *Service) reject(ctx context.Context, id, candidateID string, status session.CandidateStatus) {
	log := logger.From(ctx)

	counted, rejected, err := s.store.MarkRejected(ctx, id, candidateID, status)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return
		}
		log.Error("rejection mark failed", "session_id", id, "leg", candidateID, "err", err)
		return
	}
	if !counted {
		log.Debug("duplicate or settled rejection ignored", "session_id", id, "leg", candidateID, "status", status)
		return
	}
	log.Info("candidate rejected", "session_id", id, "leg", candidateID, "status", status, "rejected", rejected)

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Error("session read failed", "session_id", id, "err", err)
		}
		return
	}
	if rejected < int64(sess.Total) {
		return
	}

	won, err := s.store.TryTriggerFallback(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Error("fallback trigger failed", "session_id", id, "err", err)
		}
		return
	}
	if !won {
		// Another event crossed the threshold first, or a candidate
		// accepted in the meantime. Already handled.
		return
	}
	s.fallback(ctx, sess, rejected)
}

// fallback redirects the customer to the terminal unavailable experience and
// closes the session. Reached only by the single fallback-CAS winner.
func (s *Service) fallback(ctx context.Context, sess session.Session, rejected int64) {
	log := logger.From(ctx)

	if sess.CustomerRef != "" {
		if err := s.gw.RedirectCall(ctx, sess.CustomerRef, s.urls.Fallback()); err != nil {
			log.Warn("fallback redirect failed, retrying once", "session_id", sess.ID, "err", err)
			if err := s.gw.RedirectCall(ctx, sess.CustomerRef, s.urls.Fallback()); err != nil {
				log.Error("fallback redirect failed", "session_id", sess.ID, "err", err)
			}
		}
	}

	s.journalOutcome(ctx, journal.Record{
		SessionID: sess.ID,
		Outcome:   session.OutcomeFallback,
		Total:     sess.Total,
		Rejected:  rejected,
	})
	if err := s.store.MarkTerminated(ctx, sess.ID, session.OutcomeFallback); err != nil {
		log.Error("terminate mark failed", "session_id", sess.ID, "err", err)
	}
	_ = s.limiter.Release(ctx)

	log.Info("session exhausted, fallback delivered", "session_id", sess.ID, "rejected", rejected)
}

func (s *Service) resolveSession(ctx context.Context, sessionID, candidateID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	return s.store.SessionForCandidate(ctx, candidateID)
}

func machineAnswered(answeredBy string) bool {
	if answeredBy == "" {
		return false
	}
	return strings.HasPrefix(answeredBy, "machine") || answeredBy == "fax"
}
