package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// VerifiedTTL bounds how long a checked API token skips bcrypt.
	VerifiedTTL = 5 * time.Minute
	BcryptCost  = 12

	// SettingTokenHash is the settings key holding the API token hash.
	SettingTokenHash = "api_token_hash"
)

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// HashSource returns the current bcrypt hash of the API token, or "" when
// no token is configured.
type HashSource func() (string, error)

// TokenVerifier checks bearer tokens for the HTTP API against the stored
// bcrypt hash. Successful checks are remembered for VerifiedTTL, keyed by a
// SHA-256 digest so plaintext tokens are never retained.
type TokenVerifier struct {
	source HashSource
	now    func() time.Time

	mu       sync.RWMutex
	verified map[string]time.Time
}

func NewTokenVerifier(source HashSource) *TokenVerifier {
	return &TokenVerifier{
		source:   source,
		now:      time.Now,
		verified: make(map[string]time.Time),
	}
}

// Enabled reports whether an API token has been configured.
func (v *TokenVerifier) Enabled() bool {
	hash, err := v.source()
	return err == nil && hash != ""
}

// Verify reports whether token matches the configured hash. With no token
// configured every request is allowed.
func (v *TokenVerifier) Verify(token string) bool {
	hash, err := v.source()
	if err != nil || hash == "" {
		return true
	}
	if token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(hash + "\x00" + token))
	digest := hex.EncodeToString(sum[:])

	v.mu.RLock()
	expires, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok && v.now().Before(expires) {
		return true
	}

	if !CheckToken(token, hash) {
		return false
	}
	v.mu.Lock()
	v.verified[digest] = v.now().Add(VerifiedTTL)
	v.mu.Unlock()
	return true
}

// Cleanup drops expired verifications.
func (v *TokenVerifier) Cleanup() {
	now := v.now()
	v.mu.Lock()
	for id, exp := range v.verified {
		if now.After(exp) {
			delete(v.verified, id)
		}
	}
	v.mu.Unlock()
}
