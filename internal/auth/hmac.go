package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AudienceVolumes scopes tokens to the volume broadcast stream.
const AudienceVolumes = "volumes"

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrWrongAudience reports a valid token minted for another endpoint.
	ErrWrongAudience = errors.New("token audience mismatch")
)

// ListenerClaims identifies a subscriber of a broadcast stream.
type ListenerClaims struct {
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Keyring signs and verifies compact HS256 listener tokens with one shared secret.
type Keyring struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewKeyring constructs a keyring for the supplied secret and clock skew allowance.
func NewKeyring(secret string, leeway time.Duration) (*Keyring, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Keyring{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the keyring clock.
func (k *Keyring) WithClock(clock func() time.Time) {
	if clock != nil {
		k.now = clock
	}
}

// Issue mints a token for subject on audience that expires after ttl.
func (k *Keyring) Issue(subject, audience string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject must not be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %v", ttl)
	}
	now := k.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
}

// Verify checks the signature, expiry and audience of token and returns its claims. An
// empty audience accepts tokens minted for any endpoint.
func (k *Keyring) Verify(token, audience string) (*ListenerClaims, error) {
	if k == nil || len(k.secret) == 0 {
		return nil, errors.New("keyring not initialised")
	}
	var claims jwt.RegisteredClaims
	//1.- Only HS256 is accepted so a token cannot downgrade itself to "none".
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return k.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(k.leeway),
		jwt.WithTimeFunc(k.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	//2.- Validate the claims the library leaves to callers once the signature is trusted.
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if audience != "" && !slices.Contains(claims.Audience, audience) {
		return nil, ErrWrongAudience
	}
	result := &ListenerClaims{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}
	if len(claims.Audience) > 0 {
		result.Audience = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	return result, nil
}
