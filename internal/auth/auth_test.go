package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestTokenVerifier(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	v := NewTokenVerifier(func() (string, error) { return string(hash), nil })

	if !v.Enabled() {
		t.Fatal("verifier should be enabled")
	}
	if v.Verify("") || v.Verify("wrong") {
		t.Fatal("bad token accepted")
	}
	if !v.Verify("s3cret") {
		t.Fatal("good token rejected")
	}
	if len(v.verified) != 1 {
		t.Errorf("verified cache size = %d", len(v.verified))
	}

	v.now = func() time.Time { return time.Now().Add(2 * VerifiedTTL) }
	v.Cleanup()
	if len(v.verified) != 0 {
		t.Errorf("expired entry not cleaned up")
	}
}

func TestTokenVerifierDisabled(t *testing.T) {
	v := NewTokenVerifier(func() (string, error) { return "", errors.New("not set") })
	if v.Enabled() {
		t.Fatal("verifier should be disabled")
	}
	if !v.Verify("") {
		t.Fatal("requests must pass when no token is configured")
	}
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("abc")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if !CheckToken("abc", hash) || CheckToken("abd", hash) {
		t.Fatal("CheckToken mismatch")
	}
}
