package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Challenge holds the server-side state of a login that has passed the
// password check but still owes a second factor. Challenges are
// in-memory only: a restart invalidates pending logins, which simply
// start over.
type Challenge struct {
	ID        string
	AccountID string
	Provider  FactorProvider
	// DeviceName and Fingerprint are carried from the first login leg so
	// the session created on completion matches the original request.
	DeviceName  string
	Fingerprint string
	// EmailCode is the one-time code for the email provider; empty for
	// other providers.
	EmailCode string
	// WebAuthnSession is the serialized ceremony state for the webauthn
	// provider; nil for other providers.
	WebAuthnSession []byte
	// Enrollment marks a credential-registration ceremony. Enrollment
	// challenges never satisfy a login.
	Enrollment bool
	Failures   int
	ExpiresAt  time.Time
}

// ChallengeStore holds pending second-factor challenges. Entries are
// single-use: Consume removes the entry whether verification succeeds
// or not upstream, and RecordFailure counts attempts without consuming.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
	ttl        time.Duration
}

// NewChallengeStore creates a challenge store whose entries expire
// after ttl.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]*Challenge),
		ttl:        ttl,
	}
}

// Put stores a challenge under a fresh random ID and returns the ID.
func (s *ChallengeStore) Put(c *Challenge) string {
	id := generateChallengeID()
	c.ID = id
	c.ExpiresAt = time.Now().Add(s.ttl)

	s.mu.Lock()
	s.challenges[id] = c
	s.mu.Unlock()

	return id
}

// Get returns the challenge for an ID without consuming it.
// Expired entries report ErrChallengeExpired and are dropped.
func (s *ChallengeStore) Get(id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrChallengeExpired
	}
	if time.Now().After(c.ExpiresAt) {
		delete(s.challenges, id)
		return nil, ErrChallengeExpired
	}
	return c, nil
}

// Consume removes and returns the challenge for an ID. A second Consume
// with the same ID fails: completion codes and assertions are
// single-use.
func (s *ChallengeStore) Consume(id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrChallengeExpired
	}
	delete(s.challenges, id)

	if time.Now().After(c.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return c, nil
}

// ClearCeremony discards the stored webauthn ceremony state for a
// challenge. Assertion nonces are single-use: after any verification
// attempt, pass or fail, the same ceremony must never be replayable,
// so a failed attempt clears it and the client requests a fresh one.
func (s *ChallengeStore) ClearCeremony(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.challenges[id]; ok {
		c.WebAuthnSession = nil
	}
}

// RecordFailure increments the failure counter for a challenge and
// returns the new count. Once the counter reaches maxFailures the
// challenge is dropped and ErrTooManyAttempts is returned; the client
// must restart the login from the password step.
func (s *ChallengeStore) RecordFailure(id string, maxFailures int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return 0, ErrChallengeExpired
	}

	c.Failures++
	if c.Failures >= maxFailures {
		delete(s.challenges, id)
		return c.Failures, ErrTooManyAttempts
	}
	return c.Failures, nil
}

// Sweep removes expired challenges. Returns the number removed.
func (s *ChallengeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, c := range s.challenges {
		if now.After(c.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

// RunSweeper periodically sweeps expired challenges until the context
// is cancelled.
func (s *ChallengeStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// generateChallengeID returns a cryptographically random challenge ID.
func generateChallengeID() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
