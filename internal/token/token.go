// Package token verifies signed session tokens.
//
// Two token shapes are accepted:
//   - 2-part: payload.signature
//   - 3-part: header.payload.signature (standard JWT-shaped)
//
// In both shapes the payload is the second-to-last segment and the
// signature is the last. The signature is HMAC-SHA256 over the exact
// payload segment bytes. Verification is pure: no state is touched.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors
var (
	ErrMissingToken       = errors.New("no session token provided")
	ErrMalformed          = errors.New("malformed session token")
	ErrVerificationFailed = errors.New("token payload could not be decoded")
	ErrExpired            = errors.New("session expired")
	ErrInvalidSignature   = errors.New("token signature mismatch")
)

// ExpiredError reports when the token expired relative to the check time.
type ExpiredError struct {
	ExpiredAt time.Time
	Now       time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("session expired at %s (now %s)",
		e.ExpiredAt.UTC().Format(time.RFC3339), e.Now.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrExpired) match.
func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

// Shape identifies which token variant was presented.
type Shape int

const (
	ShapeTwoPart   Shape = 2 // payload.signature
	ShapeThreePart Shape = 3 // header.payload.signature
)

// Claims is the decoded token payload.
type Claims struct {
	UserID    string `json:"id"`
	ExpiresAt int64  `json:"exp"` // epoch milliseconds
}

// Parsed is a structurally valid token before signature verification.
type Parsed struct {
	Shape     Shape
	Claims    Claims
	payload   string // raw payload segment, exactly as presented
	signature string
}

// Parse splits and decodes a raw token without verifying its signature.
func Parse(raw string) (*Parsed, error) {
	parts := strings.Split(raw, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, ErrMalformed
	}

	payload := parts[len(parts)-2]
	signature := parts[len(parts)-1]
	if payload == "" || signature == "" {
		return nil, ErrMalformed
	}

	shape := ShapeTwoPart
	if len(parts) == 3 {
		shape = ShapeThreePart
	}

	decoded, err := decodeSegment(payload)
	if err != nil {
		return nil, ErrVerificationFailed
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return nil, ErrVerificationFailed
	}

	return &Parsed{
		Shape:     shape,
		Claims:    claims,
		payload:   payload,
		signature: signature,
	}, nil
}

// Verifier checks token signatures against a server-held secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier for the given HMAC secret.
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses and fully verifies a raw token, returning its claims.
//
// Check order: presence, structure, payload decode, expiry, signature.
// Expiry is checked before the signature so that the caller can surface
// expiredAt/now diagnostics even for stale-but-genuine tokens.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingToken
	}

	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	now := v.now()
	if parsed.Claims.ExpiresAt < now.UnixMilli() {
		return nil, &ExpiredError{
			ExpiredAt: time.UnixMilli(parsed.Claims.ExpiresAt),
			Now:       now,
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parsed.payload))
	want := mac.Sum(nil)

	got, err := decodeSegment(parsed.signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	// hmac.Equal is constant time.
	if !hmac.Equal(want, got) {
		return nil, ErrInvalidSignature
	}

	return &parsed.Claims, nil
}

// Sign produces a 2-part token for the given claims. Used by tests and
// by operator tooling; the production issuer lives elsewhere.
func (v *Verifier) Sign(claims Claims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(body)

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payload + "." + sig, nil
}

// decodeSegment decodes a base64 token segment, accepting both URL-safe
// and standard alphabets, padded or not. Deployments differ on which
// encoder produced the token.
func decodeSegment(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, ErrMalformed
}
