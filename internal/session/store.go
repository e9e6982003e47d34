package session

import (
	"context"
	"errors"
)

// Store is the coordination surface for session state.
//
// Every method marked CAS must be a single indivisible operation against the
// backing store. Callers never retry with partial local state: a stale mirror
// would break the exactly-once guarantees the dispatcher depends on.

type Store interface {
	// Create allocates the session record and its counters under the
	// session TTL. Total is fixed as len(sess.Candidates).
	Create(ctx context.Context, sess Session) error

	// Get returns ErrNotFound once the session expired or was never created.
	Get(ctx context.Context, id string) (Session, error)

	// TryAccept is CAS on the accepted slot. AcceptWon is returned to the
	// first candidate to claim the session and to nobody else; a
	// re-delivered claim from the winner gets AcceptReplayed so callers
	// can skip side effects that already ran. AcceptLost is the designed
	// already-taken outcome, not an error.
	TryAccept(ctx context.Context, id, candidateID string) (AcceptResult, error)

	// MarkRejected records a terminal negative status for a candidate and
	// bumps the rejection counter, exactly once per candidate. counted is
	// false for duplicate deliveries and for candidates already accepted
	// or superseded; rejected is the current count either way.
	MarkRejected(ctx context.Context, id, candidateID string, status CandidateStatus) (counted bool, rejected int64, err error)

	// MarkSuperseded records a losing candidate's terminal status without
	// touching the rejection counter. No-op if the candidate is already
	// terminal.
	MarkSuperseded(ctx context.Context, id, candidateID string) error

	// TryTriggerFallback is CAS on the fallback guard: true for exactly
	// one caller across the session's lifetime, and never true once a
	// candidate has accepted.
	TryTriggerFallback(ctx context.Context, id string) (bool, error)

	// BindCandidate stores contact metadata for a dialed leg and populates
	// the candidate -> session reverse index used by the event path.
	BindCandidate(ctx context.Context, id string, c Candidate) error

	// SessionForCandidate resolves the owning session without scanning.
	SessionForCandidate(ctx context.Context, candidateID string) (string, error)

	Candidate(ctx context.Context, id, candidateID string) (Candidate, error)

	// Legs lists the call leg references dialed for a session.
	Legs(ctx context.Context, id string) ([]string, error)

	// Correlation maps a caller address to its inbound call leg so a later
	// connect request can find the leg to redirect. The mapping is consumed
	// by a successful connect via DeleteCorrelation.
	SetCorrelation(ctx context.Context, callerAddress, callRef string) error
	Correlation(ctx context.Context, callerAddress string) (string, error)
	DeleteCorrelation(ctx context.Context, callerAddress string) error

	// MarkTerminated records the terminal outcome and shortens remaining
	// key lifetimes so drained sessions release state promptly.
	MarkTerminated(ctx context.Context, id string, outcome Outcome) error

	// TrackedLegs enumerates every live call leg reference across all
	// sessions. Kill-switch sweep only; the event path never scans.
	TrackedLegs(ctx context.Context) ([]string, error)
}

// AcceptResult is the outcome of a TryAccept claim.
type AcceptResult int

const (
	AcceptLost AcceptResult = iota
	AcceptWon
	AcceptReplayed
)

var (
	ErrNotFound = errors.New("session: not found")

	// ErrStoreUnavailable wraps backing-store connectivity failures.
	// There is no degraded local fallback; the affected request fails.
	ErrStoreUnavailable = errors.New("session: store unavailable")
)
