package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance.
//
// Key layout (all under the session TTL unless noted):
//
//	session:{id}                    -> session record (JSON)
//	session:{id}:total              -> integer
//	session:{id}:rejected           -> integer
//	session:{id}:accepted           -> winning candidate id
//	session:{id}:fallback           -> "1" once fallback fired
//	session:{id}:customer           -> customer call leg reference
//	session:{id}:legs               -> set of dialed leg references
//	session:{id}:candidate:{cid}    -> contact metadata (JSON)
//	session:{id}:candidate:{cid}:final -> terminal status (dedup guard)
//	candidate:{cid}                 -> owning session id (reverse index)
//	call:{caller}                   -> inbound call leg reference
//
// The hot decisions (accept, reject-count, fallback) are Lua scripts so each
// is one round trip and one atomic step, whatever the webhook interleaving.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// drainTTL is how long terminal-session keys linger for late webhooks.
const drainTTL = time.Minute

var tryAcceptScript = redis.NewScript(`
-- KEYS[1] = session record key (existence gate)
-- KEYS[2] = accepted key
-- KEYS[3] = winner's final-status key
-- ARGV[1] = candidate id
-- ARGV[2] = ttl_ms
--
-- Returns:
--  1 accepted (first claim)
--  2 replay by the existing winner
--  0 lost the race
-- -1 session gone
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2]) then
  redis.call('SET', KEYS[3], 'accepted', 'PX', ARGV[2])
  return 1
end
if redis.call('GET', KEYS[2]) == ARGV[1] then
  return 2
end
return 0
`)

var markRejectedScript = redis.NewScript(`
-- KEYS[1] = session record key (existence gate)
-- KEYS[2] = candidate's final-status key
-- KEYS[3] = rejected counter
-- ARGV[1] = terminal status
-- ARGV[2] = ttl_ms
--
-- Returns {counted, rejected}: counted=1 only for the first terminal status
-- this candidate ever records. Accepted/superseded candidates and duplicate
-- deliveries fall through with the current count untouched.
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0}
end
if redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2]) then
  local n = redis.call('INCR', KEYS[3])
  if redis.call('PTTL', KEYS[3]) < 0 then
    redis.call('PEXPIRE', KEYS[3], ARGV[2])
  end
  return {1, n}
end
return {0, tonumber(redis.call('GET', KEYS[3]) or '0')}
`)

var triggerFallbackScript = redis.NewScript(`
-- KEYS[1] = session record key (existence gate)
-- KEYS[2] = accepted key
-- KEYS[3] = fallback guard key
-- ARGV[1] = ttl_ms
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
if redis.call('SET', KEYS[3], '1', 'NX', 'PX', ARGV[1]) then
  return 1
end
return 0
`)

// record is the JSON payload under session:{id}. Mutable coordination state
// (accepted, rejected, fallback) deliberately lives in its own keys so it can
// be updated atomically without rewriting this blob.
type record struct {
	ID             string    `json:"id"`
	ConferenceName string    `json:"conference_name"`
	Candidates     []Contact `json:"candidates"`
	Total          int       `json:"total"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *RedisStore) Create(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session: id is required")
	}
	if len(sess.Candidates) == 0 {
		return fmt.Errorf("session: at least one candidate is required")
	}

	contacts := make([]Contact, len(sess.Candidates))
	for i, c := range sess.Candidates {
		contacts[i] = c.Contact
	}
	rec := record{
		ID:             sess.ID,
		ConferenceName: sess.ConferenceName,
		Candidates:     contacts,
		Total:          len(sess.Candidates),
		CreatedAt:      sess.CreatedAt.UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ttl := s.sessionTTL(sess.TTL)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keySession(sess.ID), raw, ttl)
	pipe.Set(ctx, keyTotal(sess.ID), rec.Total, ttl)
	pipe.Set(ctx, keyRejected(sess.ID), 0, ttl)
	if sess.CustomerRef != "" {
		pipe.Set(ctx, keyCustomer(sess.ID), sess.CustomerRef, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	raw, err := s.rdb.Get(ctx, keySession(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, storeErr(err)
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Session{}, fmt.Errorf("session: corrupt record for %s: %w", id, err)
	}

	sess := Session{
		ID:             rec.ID,
		ConferenceName: rec.ConferenceName,
		Total:          rec.Total,
		CreatedAt:      rec.CreatedAt,
		TTL:            s.ttl,
	}
	sess.Candidates = make([]Candidate, len(rec.Candidates))
	for i, c := range rec.Candidates {
		sess.Candidates[i] = Candidate{Contact: c, Status: StatusDialing}
	}

	if v, err := s.rdb.Get(ctx, keyAccepted(id)).Result(); err == nil {
		sess.AcceptedBy = v
	} else if !errors.Is(err, redis.Nil) {
		return Session{}, storeErr(err)
	}
	if v, err := s.rdb.Get(ctx, keyCustomer(id)).Result(); err == nil {
		sess.CustomerRef = v
	} else if !errors.Is(err, redis.Nil) {
		return Session{}, storeErr(err)
	}
	return sess, nil
}

func (s *RedisStore) TryAccept(ctx context.Context, id, candidateID string) (AcceptResult, error) {
	res, err := tryAcceptScript.Run(ctx, s.rdb,
		[]string{keySession(id), keyAccepted(id), keyFinal(id, candidateID)},
		candidateID, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return AcceptLost, storeErr(err)
	}
	switch res {
	case 1:
		return AcceptWon, nil
	case 2:
		return AcceptReplayed, nil
	case -1:
		return AcceptLost, ErrNotFound
	default:
		return AcceptLost, nil
	}
}

func (s *RedisStore) MarkRejected(ctx context.Context, id, candidateID string, status CandidateStatus) (bool, int64, error) {
	if !status.Negative() {
		return false, 0, fmt.Errorf("session: %q is not a rejection status", status)
	}
	res, err := markRejectedScript.Run(ctx, s.rdb,
		[]string{keySession(id), keyFinal(id, candidateID), keyRejected(id)},
		string(status), s.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, storeErr(err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("session: unexpected script reply %v", res)
	}
	if res[0] == -1 {
		return false, 0, ErrNotFound
	}
	return res[0] == 1, res[1], nil
}

func (s *RedisStore) MarkSuperseded(ctx context.Context, id, candidateID string) error {
	// SETNX keeps an earlier terminal status (including a counted
	// rejection) authoritative.
	err := s.rdb.SetNX(ctx, keyFinal(id, candidateID), string(StatusSuperseded), s.ttl).Err()
	return storeErr(err)
}

func (s *RedisStore) TryTriggerFallback(ctx context.Context, id string) (bool, error) {
	res, err := triggerFallbackScript.Run(ctx, s.rdb,
		[]string{keySession(id), keyAccepted(id), keyFallback(id)},
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, storeErr(err)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (s *RedisStore) BindCandidate(ctx context.Context, id string, c Candidate) error {
	if c.ID == "" {
		return fmt.Errorf("session: candidate id is required")
	}
	raw, err := json.Marshal(c.Contact)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyCandidate(id, c.ID), raw, s.ttl)
	pipe.Set(ctx, keyIndex(c.ID), id, s.ttl)
	pipe.SAdd(ctx, keyLegs(id), c.ID)
	pipe.Expire(ctx, keyLegs(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *RedisStore) SessionForCandidate(ctx context.Context, candidateID string) (string, error) {
	v, err := s.rdb.Get(ctx, keyIndex(candidateID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr(err)
	}
	return v, nil
}

func (s *RedisStore) Candidate(ctx context.Context, id, candidateID string) (Candidate, error) {
	raw, err := s.rdb.Get(ctx, keyCandidate(id, candidateID)).Result()
	if errors.Is(err, redis.Nil) {
		return Candidate{}, ErrNotFound
	}
	if err != nil {
		return Candidate{}, storeErr(err)
	}
	var contact Contact
	if err := json.Unmarshal([]byte(raw), &contact); err != nil {
		return Candidate{}, fmt.Errorf("session: corrupt candidate %s: %w", candidateID, err)
	}
	c := Candidate{ID: candidateID, Contact: contact, Status: StatusDialing}
	if v, err := s.rdb.Get(ctx, keyFinal(id, candidateID)).Result(); err == nil {
		c.Status = CandidateStatus(v)
	} else if !errors.Is(err, redis.Nil) {
		return Candidate{}, storeErr(err)
	}
	return c, nil
}

func (s *RedisStore) Legs(ctx context.Context, id string) ([]string, error) {
	legs, err := s.rdb.SMembers(ctx, keyLegs(id)).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	return legs, nil
}

func (s *RedisStore) SetCorrelation(ctx context.Context, callerAddress, callRef string) error {
	return storeErr(s.rdb.Set(ctx, keyCall(callerAddress), callRef, s.ttl).Err())
}

func (s *RedisStore) Correlation(ctx context.Context, callerAddress string) (string, error) {
	v, err := s.rdb.Get(ctx, keyCall(callerAddress)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storeErr(err)
	}
	return v, nil
}

func (s *RedisStore) DeleteCorrelation(ctx context.Context, callerAddress string) error {
	return storeErr(s.rdb.Del(ctx, keyCall(callerAddress)).Err())
}

func (s *RedisStore) MarkTerminated(ctx context.Context, id string, outcome Outcome) error {
	legs, err := s.Legs(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyOutcome(id), string(outcome), drainTTL)
	for _, k := range []string{
		keySession(id), keyTotal(id), keyRejected(id),
		keyAccepted(id), keyFallback(id), keyCustomer(id), keyLegs(id),
	} {
		pipe.Expire(ctx, k, drainTTL)
	}
	for _, leg := range legs {
		pipe.Expire(ctx, keyCandidate(id, leg), drainTTL)
		pipe.Expire(ctx, keyFinal(id, leg), drainTTL)
		pipe.Expire(ctx, keyIndex(leg), drainTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *RedisStore) TrackedLegs(ctx context.Context) ([]string, error) {
	var legs []string

	// candidate:{cid} index keys carry the dialed legs.
	iter := s.rdb.Scan(ctx, 0, "candidate:*", 200).Iterator()
	for iter.Next(ctx) {
		legs = append(legs, iter.Val()[len("candidate:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr(err)
	}

	// Customer legs live under session:{id}:customer.
	iter = s.rdb.Scan(ctx, 0, "session:*:customer", 200).Iterator()
	var customerKeys []string
	for iter.Next(ctx) {
		customerKeys = append(customerKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr(err)
	}
	for _, k := range customerKeys {
		v, err := s.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}
		legs = append(legs, v)
	}
	return legs, nil
}

func (s *RedisStore) sessionTTL(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return s.ttl
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func keySession(id string) string  { return "session:" + id }
func keyTotal(id string) string    { return "session:" + id + ":total" }
func keyRejected(id string) string { return "session:" + id + ":rejected" }
func keyAccepted(id string) string { return "session:" + id + ":accepted" }
func keyFallback(id string) string { return "session:" + id + ":fallback" }
func keyCustomer(id string) string { return "session:" + id + ":customer" }
func keyLegs(id string) string     { return "session:" + id + ":legs" }
func keyOutcome(id string) string  { return "session:" + id + ":outcome" }
func keyCall(caller string) string { return "call:" + caller }
func keyIndex(cid string) string   { return "candidate:" + cid }
func keyCandidate(id, cid string) string {
	return "session:" + id + ":candidate:" + cid
}
func keyFinal(id, cid string) string {
	return "session:" + id + ":candidate:" + cid + ":final"
}
