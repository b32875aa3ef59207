// Package token is the thin adapter over the EdDSA-signed bearer tokens
// used for broker auth and command envelopes, per spec.md §4.7. It's
// grounded on the shape of go-server/internal/auth/jwt.go's JWTManager,
// but signs with golang-jwt/jwt/v5's EdDSA method using the node's own
// Ed25519 keypair instead of a shared HMAC secret.
package token

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrSignatureInvalid and ErrPublicKeyMismatch distinguish the two ways
// verification can fail, per spec.md §4.7.
var (
	ErrSignatureInvalid  = errors.New("token: invalid signature")
	ErrPublicKeyMismatch = errors.New("token: public key mismatch")
)

// Claims is the payload carried by every token this bridge mints:
// broker-auth credentials and command/response envelopes alike.
type Claims struct {
	Extra map[string]any
	jwt.RegisteredClaims
}

// MarshalJSON flattens Extra alongside the registered claims so the wire
// format is a single flat JSON object, matching spec.md §6's claim set
// shape (no nested "extra" envelope).
func (c Claims) MarshalJSON() ([]byte, error) {
	return marshalFlatClaims(c)
}

// Create mints a token signed by privkeyHex, with the given lifetime and
// arbitrary extra claims, per spec.md §4.7.
func Create(pubkeyHex, privkeyHex string, expiry time.Duration, extra map[string]any) (string, error) {
	priv, err := privateKeyFromHex(privkeyHex)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		Extra: extra,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   pubkeyHex,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}

	jt := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := jt.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// DecodePayload decodes a token's claims without verifying its signature,
// per spec.md §4.6 step 3 ("decode without verification to extract
// fields").
func DecodePayload(tokenString string) (map[string]any, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, fmt.Errorf("token: decode: %w", err)
	}
	return claims, nil
}

// Verify checks the signature against expectedPubkeyHex and returns the
// payload. Fails with ErrPublicKeyMismatch when the payload's subject
// doesn't match expectedPubkeyHex, and ErrSignatureInvalid on a bad
// signature, per spec.md §4.7.
func Verify(tokenString, expectedPubkeyHex string) (map[string]any, error) {
	pub, err := publicKeyFromHex(expectedPubkeyHex)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrSignatureInvalid
	}

	if sub, _ := claims["sub"].(string); sub != "" && sub != expectedPubkeyHex {
		return nil, ErrPublicKeyMismatch
	}

	return claims, nil
}

func privateKeyFromHex(h string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("token: invalid private key")
	}
	return ed25519.PrivateKey(raw), nil
}

func publicKeyFromHex(h string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token: invalid public key")
	}
	return ed25519.PublicKey(raw), nil
}
