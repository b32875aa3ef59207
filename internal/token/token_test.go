package token

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"
)

func generateKeypair(t *testing.T) (pubHex, privHex string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv)
}

// TestCreateVerify_RoundTrip covers spec.md §8's "create then verify with
// the matching public key yields the original claims."
func TestCreateVerify_RoundTrip(t *testing.T) {
	pub, priv := generateKeypair(t)

	signed, err := Create(pub, priv, time.Hour, map[string]any{"client": "meshbridge/1.0"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claims, err := Verify(signed, pub)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims["client"] != "meshbridge/1.0" {
		t.Fatalf("claims missing extra field: %+v", claims)
	}
	if claims["sub"] != pub {
		t.Fatalf("sub = %v, want %v", claims["sub"], pub)
	}
}

func TestVerify_WrongPublicKeyFails(t *testing.T) {
	pub, priv := generateKeypair(t)
	otherPub, _ := generateKeypair(t)

	signed, err := Create(pub, priv, time.Hour, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := Verify(signed, otherPub); err == nil {
		t.Fatal("expected verification to fail against the wrong public key")
	}
}

func TestVerify_TamperedSignatureFails(t *testing.T) {
	pub, priv := generateKeypair(t)
	signed, err := Create(pub, priv, time.Hour, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mid := len(signed) / 2
	flip := byte('x')
	if signed[mid] == flip {
		flip = 'y'
	}
	tampered := signed[:mid] + string(flip) + signed[mid+1:]
	if _, err := Verify(tampered, pub); err == nil {
		t.Fatal("expected tampered signature to fail")
	}
}

func TestDecodePayload_NoVerification(t *testing.T) {
	pub, priv := generateKeypair(t)
	signed, err := Create(pub, priv, time.Hour, map[string]any{"command": "get time"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	payload, err := DecodePayload(signed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["command"] != "get time" {
		t.Fatalf("payload = %+v", payload)
	}
}
