package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same atomicity semantics as
// RedisStore, useful for tests. It is not intended for production use: the
// whole point of the Redis store is coordination across processes.
type MemoryStore struct {
	mu sync.Mutex

	sessions     map[string]*memSession
	index        map[string]string // candidateID -> sessionID
	correlations map[string]string // callerAddress -> callRef

	now func() time.Time
	ttl time.Duration
}

type memSession struct {
	rec        record
	customer   string
	accepted   string
	rejected   int64
	fallback   bool
	outcome    Outcome
	legs       []string
	candidates map[string]Contact
	finals     map[string]CandidateStatus
	expiresAt  time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryStore{
		sessions:     make(map[string]*memSession),
		index:        make(map[string]string),
		correlations: make(map[string]string),
		now:          time.Now,
		ttl:          ttl,
	}
}

// SetClock overrides the time source for expiry tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// live returns the session if present and unexpired, pruning it otherwise.
// Callers must hold mu.
func (s *MemoryStore) live(id string) (*memSession, bool) {
	ms, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if s.now().After(ms.expiresAt) {
		for cid := range ms.candidates {
			delete(s.index, cid)
		}
		delete(s.sessions, id)
		return nil, false
	}
	return ms, true
}

func (s *MemoryStore) Create(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := sess.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	contacts := make([]Contact, len(sess.Candidates))
	for i, c := range sess.Candidates {
		contacts[i] = c.Contact
	}
	s.sessions[sess.ID] = &memSession{
		rec: record{
			ID:             sess.ID,
			ConferenceName: sess.ConferenceName,
			Candidates:     contacts,
			Total:          len(sess.Candidates),
			CreatedAt:      sess.CreatedAt.UTC(),
		},
		customer:   sess.CustomerRef,
		candidates: make(map[string]Contact),
		finals:     make(map[string]CandidateStatus),
		expiresAt:  s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	sess := Session{
		ID:             ms.rec.ID,
		ConferenceName: ms.rec.ConferenceName,
		Total:          ms.rec.Total,
		CreatedAt:      ms.rec.CreatedAt,
		CustomerRef:    ms.customer,
		AcceptedBy:     ms.accepted,
	}
	for _, c := range ms.rec.Candidates {
		sess.Candidates = append(sess.Candidates, Candidate{Contact: c, Status: StatusDialing})
	}
	return sess, nil
}

func (s *MemoryStore) TryAccept(ctx context.Context, id, candidateID string) (AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return AcceptLost, ErrNotFound
	}
	if ms.accepted == "" {
		ms.accepted = candidateID
		ms.finals[candidateID] = StatusAccepted
		return AcceptWon, nil
	}
	if ms.accepted == candidateID {
		return AcceptReplayed, nil
	}
	return AcceptLost, nil
}

func (s *MemoryStore) MarkRejected(ctx context.Context, id, candidateID string, status CandidateStatus) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return false, 0, ErrNotFound
	}
	if _, done := ms.finals[candidateID]; done {
		return false, ms.rejected, nil
	}
	ms.finals[candidateID] = status
	ms.rejected++
	return true, ms.rejected, nil
}

func (s *MemoryStore) MarkSuperseded(ctx context.Context, id, candidateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return nil
	}
	if _, done := ms.finals[candidateID]; !done {
		ms.finals[candidateID] = StatusSuperseded
	}
	return nil
}

func (s *MemoryStore) TryTriggerFallback(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return false, ErrNotFound
	}
	if ms.accepted != "" || ms.fallback {
		return false, nil
	}
	ms.fallback = true
	return true, nil
}

func (s *MemoryStore) BindCandidate(ctx context.Context, id string, c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return ErrNotFound
	}
	ms.candidates[c.ID] = c.Contact
	ms.legs = append(ms.legs, c.ID)
	s.index[c.ID] = id
	return nil
}

func (s *MemoryStore) SessionForCandidate(ctx context.Context, candidateID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.index[candidateID]
	if !ok {
		return "", ErrNotFound
	}
	if _, alive := s.live(id); !alive {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) Candidate(ctx context.Context, id, candidateID string) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return Candidate{}, ErrNotFound
	}
	contact, ok := ms.candidates[candidateID]
	if !ok {
		return Candidate{}, ErrNotFound
	}
	c := Candidate{ID: candidateID, Contact: contact, Status: StatusDialing}
	if final, done := ms.finals[candidateID]; done {
		c.Status = final
	}
	return c, nil
}

func (s *MemoryStore) Legs(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return nil, nil
	}
	out := make([]string, len(ms.legs))
	copy(out, ms.legs)
	return out, nil
}

func (s *MemoryStore) SetCorrelation(ctx context.Context, callerAddress, callRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlations[callerAddress] = callRef
	return nil
}

func (s *MemoryStore) Correlation(ctx context.Context, callerAddress string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.correlations[callerAddress]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) DeleteCorrelation(ctx context.Context, callerAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.correlations, callerAddress)
	return nil
}

func (s *MemoryStore) MarkTerminated(ctx context.Context, id string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.live(id)
	if !ok {
		return nil
	}
	ms.outcome = outcome
	ms.expiresAt = s.now().Add(drainTTL)
	return nil
}

// Outcome exposes the recorded terminal outcome for tests.
func (s *MemoryStore) Outcome(id string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[id]
	if !ok {
		return ""
	}
	return ms.outcome
}

func (s *MemoryStore) TrackedLegs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var legs []string
	for id, ms := range s.sessions {
		if _, alive := s.live(id); !alive {
			continue
		}
		legs = append(legs, ms.legs...)
		if ms.customer != "" {
			legs = append(legs, ms.customer)
		}
	}
	return legs, nil
}
