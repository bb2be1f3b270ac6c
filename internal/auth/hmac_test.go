package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestKeyring(t *testing.T, secret string, now time.Time) *Keyring {
	t.Helper()
	keyring, err := NewKeyring(secret, time.Second)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	keyring.WithClock(func() time.Time { return now })
	return keyring
}

func TestKeyringIssueAndVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", now)
	token, err := keyring.Issue("listener-7", AudienceVolumes, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := keyring.Verify(token, AudienceVolumes)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "listener-7" || claims.Audience != AudienceVolumes {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestKeyringRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", now)
	token := makeToken(t, "secret", "listener-7", now.Add(-5*time.Second))
	if _, err := keyring.Verify(token, ""); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestKeyringRejectsForeignSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	keyring := newTestKeyring(t, "secret", now)
	token := makeToken(t, "other-secret", "listener-7", now.Add(time.Minute))
	if _, err := keyring.Verify(token, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := keyring.Verify("not-a-token", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected malformed token to be invalid, got %v", err)
	}
}

func TestKeyringChecksAudience(t *testing.T) {
	keyring := newTestKeyring(t, "secret", time.Unix(1700000000, 0))
	token, err := keyring.Issue("listener-7", "admin", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := keyring.Verify(token, AudienceVolumes); !errors.Is(err, ErrWrongAudience) {
		t.Fatalf("expected ErrWrongAudience, got %v", err)
	}
}

func TestKeyringValidatesInputs(t *testing.T) {
	if _, err := NewKeyring("  ", 0); err == nil {
		t.Fatalf("expected empty secret to fail")
	}
	keyring := newTestKeyring(t, "secret", time.Unix(1700000000, 0))
	if _, err := keyring.Issue("", AudienceVolumes, time.Minute); err == nil {
		t.Fatalf("expected empty subject to fail")
	}
	if _, err := keyring.Issue("listener", AudienceVolumes, 0); err == nil {
		t.Fatalf("expected zero ttl to fail")
	}
}

func makeToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

func TestKeyringRejectsUnsignedToken(t *testing.T) {
	keyring := newTestKeyring(t, "secret", time.Unix(1700000000, 0))
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"listener-7","exp":1800000000}`))
	if _, err := keyring.Verify(header+"."+payload+".", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unsigned token, got %v", err)
	}
}
