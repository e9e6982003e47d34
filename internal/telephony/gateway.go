package telephony

import (
	"context"
	"time"
)

// Gateway is the provider-agnostic call-control interface used by the
// dispatcher and the kill switch.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Every call is fallible and bounded; callers decide retry policy.
// - Keep request types provider-agnostic.
type Gateway interface {
	// PlaceCall starts an outbound leg and returns the provider's leg
	// reference. Status events for the leg are delivered to
	// StatusCallbackURL.
	PlaceCall(ctx context.Context, p PlaceCallParams) (string, error)

	// RedirectCall points an in-flight leg at a new TwiML document.
	RedirectCall(ctx context.Context, legRef, twimlURL string) error

	// CompleteCall terminates a leg immediately.
	CompleteCall(ctx context.Context, legRef string) error
}

type PlaceCallParams struct {
	From string
	To   string

	// AnswerURL serves the TwiML executed when the leg answers.
	AnswerURL string

	StatusCallbackURL string

	// MachineDetection asks the provider to classify who answered
	// (human vs voicemail/fax). Adds answer latency; only enable when the
	// classification drives a decision.
	MachineDetection bool

	// RingTimeout bounds how long the leg rings before no-answer.
	RingTimeout time.Duration
}
