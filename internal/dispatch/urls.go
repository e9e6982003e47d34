package dispatch

import (
	"net/url"
	"strings"
)

// URLs builds the public callback and instruction-document endpoints the
// telephony provider fetches. Base is the externally reachable origin, no
// trailing slash required.
type URLs struct {
	Base string
}

// CustomerConference parks the customer leg in the session conference.
func (u URLs) CustomerConference(sessionID string) string {
	return u.build("/twiml/conference", sessionID)
}

// CandidatePrompt is the answer URL for a candidate leg: the accept prompt
// with digit gathering.
func (u URLs) CandidatePrompt(sessionID string) string {
	return u.build("/twiml/prompt", sessionID)
}

// StatusCallback receives leg lifecycle events for a session's candidates.
func (u URLs) StatusCallback(sessionID string) string {
	return u.build("/webhooks/voice/status", sessionID)
}

// Keypress receives the candidate's digit response.
func (u URLs) Keypress(sessionID string) string {
	return u.build("/webhooks/voice/keypress", sessionID)
}

// Taken plays the already-taken message and hangs up.
func (u URLs) Taken() string {
	return u.build("/twiml/taken", "")
}

// Fallback plays the none-available message to the customer and hangs up.
func (u URLs) Fallback() string {
	return u.build("/twiml/fallback", "")
}

func (u URLs) build(path, sessionID string) string {
	b := strings.TrimRight(u.Base, "/") + path
	if sessionID != "" {
		b += "?session=" + url.QueryEscape(sessionID)
	}
	return b
}
