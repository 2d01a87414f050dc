package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

// ErrNoChallenge is returned when no pending ceremony exists for the student,
// typically because the challenge expired or was already consumed.
var ErrNoChallenge = errors.New("challenge missing or expired")

// Ceremony kinds for challenge storage.
const (
	KindRegister  = "register"
	KindAssertion = "assert"
)

// ChallengeStore keeps in-flight ceremony session data in Redis under a TTL,
// so challenges survive restarts and are shared across replicas. Each
// challenge is single-use: Take removes it.
type ChallengeStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewChallengeStore creates a store with the given challenge lifetime.
func NewChallengeStore(client *redis.Client, ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChallengeStore{client: client, ttl: ttl}
}

func challengeKey(kind, studentID string) string {
	return "passkey:" + kind + ":" + studentID
}

// Put stores the session data for a pending ceremony, replacing any previous
// one of the same kind.
func (s *ChallengeStore) Put(ctx context.Context, kind, studentID string, data *webauthn.SessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, challengeKey(kind, studentID), raw, s.ttl).Err()
}

// Take retrieves and deletes the pending session data.
func (s *ChallengeStore) Take(ctx context.Context, kind, studentID string) (*webauthn.SessionData, error) {
	raw, err := s.client.GetDel(ctx, challengeKey(kind, studentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoChallenge
		}
		return nil, err
	}
	var data webauthn.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
