// Package token implements the signed credentials presented by devices and
// Apps when connecting to the relay. Tokens are verifiable offline: the
// payload is JSON, base64url-encoded, and signed with HMAC-SHA256 under a
// shared secret, so the router can reject bad credentials without touching
// any backing store.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/c360/lenslink/errors"
)

// Claims carries the identity asserted by a credential. A device credential
// sets UserID only; an App credential sets UserID, Package and APIKey.
type Claims struct {
	UserID    string `json:"sub"`
	Package   string `json:"pkg,omitempty"`
	APIKey    string `json:"key,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Signer signs and verifies credentials under a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. The secret must be non-empty.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Signer", "NewSigner",
			"token secret required")
	}
	return &Signer{secret: secret}, nil
}

// Sign encodes and signs claims, returning the wire form "payload.signature".
func (s *Signer) Sign(claims Claims) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.WrapInvalid(err, "Signer", "Sign", "marshal claims")
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.signature(encoded), nil
}

// Verify checks the signature and expiry of a credential and returns its
// claims. Verification failures are classified so the router can map them to
// protocol error codes.
func (s *Signer) Verify(credential string) (Claims, error) {
	var claims Claims

	encoded, sig, ok := strings.Cut(credential, ".")
	if !ok || encoded == "" || sig == "" {
		return claims, errors.WrapInvalid(errors.ErrInvalidCredential, "Signer", "Verify",
			"parse credential")
	}

	expected := s.signature(encoded)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return claims, errors.WrapInvalid(errors.ErrSignatureFailed, "Signer", "Verify",
			"check signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return claims, errors.WrapInvalid(errors.ErrInvalidCredential, "Signer", "Verify",
			"decode payload")
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, errors.WrapInvalid(errors.ErrInvalidCredential, "Signer", "Verify",
			"unmarshal claims")
	}
	if claims.UserID == "" {
		return claims, errors.WrapInvalid(errors.ErrInvalidCredential, "Signer", "Verify",
			"missing subject")
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() >= claims.ExpiresAt {
		return claims, errors.WrapInvalid(errors.ErrCredentialExpired, "Signer", "Verify",
			"check expiry")
	}

	return claims, nil
}

func (s *Signer) signature(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
