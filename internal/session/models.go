package session

import "time"

// Session is one customer voice interaction being routed to candidates.
//
// Coordination invariant: every cross-event decision (first acceptance,
// rejection exhaustion, fallback trigger) lives in the store as an atomic
// primitive, never in process memory. Independent webhook deliveries for the
// same session may run concurrently in separate processes.

type Session struct {
	ID string `json:"id"`

	// CustomerRef is the customer call leg; used to redirect or disconnect it.
	CustomerRef string `json:"customer_ref"`

	// ConferenceName is the shared call space the winner bridges into.
	ConferenceName string `json:"conference_name"`

	// Candidates is fixed at creation time. Total == len(Candidates).
	Candidates []Candidate `json:"candidates"`
	Total      int         `json:"total"`

	// AcceptedBy is set at most once, by the store-level CAS.
	AcceptedBy string `json:"accepted_by,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"-"`
}

// Candidate is one outbound call leg offered a chance to accept the session.
type Candidate struct {
	// ID is the dialed leg's provider reference, assigned once dialing succeeds.
	ID string `json:"id"`

	Contact Contact `json:"contact"`

	Status CandidateStatus `json:"status"`
}

// Contact is dialable candidate metadata, used only for dialing and for the
// post-acceptance notification.
type Contact struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`

	// Source records where the contact came from (static config, directory).
	Source string `json:"source,omitempty"`
}

type CandidateStatus string

const (
	StatusDialing    CandidateStatus = "dialing"
	StatusRinging    CandidateStatus = "ringing"
	StatusAnswered   CandidateStatus = "answered"
	StatusAccepted   CandidateStatus = "accepted"
	StatusDeclined   CandidateStatus = "declined"
	StatusVoicemail  CandidateStatus = "voicemail"
	StatusFailed     CandidateStatus = "failed"
	StatusSuperseded CandidateStatus = "superseded"
)

// Terminal reports whether the status ends the candidate's participation.
func (s CandidateStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusVoicemail, StatusFailed, StatusSuperseded:
		return true
	default:
		return false
	}
}

// Negative reports whether the status contributes to the rejection count.
func (s CandidateStatus) Negative() bool {
	switch s {
	case StatusDeclined, StatusVoicemail, StatusFailed:
		return true
	default:
		return false
	}
}

// Outcome is the terminal disposition of a session.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeFallback Outcome = "fallback"
	OutcomeKilled   Outcome = "killed"
)
