package token

import (
	"testing"
	"time"
)

// TestCache_FreshnessWindow is seed scenario 6 from spec.md §8: mint at T
// with TTL 3600, a call at T+600 returns the same bytes, a call at T+3400
// (within 5 minutes of expiry) mints fresh.
func TestCache_FreshnessWindow(t *testing.T) {
	pub, priv := generateKeypair(t)

	start := time.Unix(1_700_000_000, 0)
	current := start
	c := NewCache()
	c.now = func() time.Time { return current }

	first, ok := c.CredentialsFor(CredentialParams{
		Method:         "token",
		NodePublicKey:  pub,
		NodePrivateKey: priv,
		ClientVersion:  "meshbridge/1.0",
		BrokerIndex:    0,
	})
	if !ok {
		t.Fatal("expected credentials")
	}

	current = start.Add(600 * time.Second)
	second, ok := c.CredentialsFor(CredentialParams{
		Method:         "token",
		NodePublicKey:  pub,
		NodePrivateKey: priv,
		ClientVersion:  "meshbridge/1.0",
		BrokerIndex:    0,
	})
	if !ok {
		t.Fatal("expected credentials")
	}
	if first.Password != second.Password {
		t.Fatalf("expected byte-identical cached token, got different passwords")
	}

	current = start.Add(3400 * time.Second)
	third, ok := c.CredentialsFor(CredentialParams{
		Method:         "token",
		NodePublicKey:  pub,
		NodePrivateKey: priv,
		ClientVersion:  "meshbridge/1.0",
		BrokerIndex:    0,
	})
	if !ok {
		t.Fatal("expected credentials")
	}
	if third.Password == second.Password {
		t.Fatal("expected a freshly minted token within the refresh window")
	}
}

func TestCredentialsFor_TokenMethodWithoutPrivateKeyUnavailable(t *testing.T) {
	c := NewCache()
	_, ok := c.CredentialsFor(CredentialParams{Method: "token", NodePublicKey: "AA"})
	if ok {
		t.Fatal("expected token auth to be unavailable without a private key")
	}
}

func TestCredentialsFor_OwnerEmailOnlyWithTLSAndVerify(t *testing.T) {
	pub, priv := generateKeypair(t)
	c := NewCache()

	withoutTLS, ok := c.CredentialsFor(CredentialParams{
		Method: "token", NodePublicKey: pub, NodePrivateKey: priv,
		Owner: "alice", Email: "Alice@Example.com", BrokerIndex: 1,
	})
	if !ok {
		t.Fatal("expected credentials")
	}
	payload, err := DecodePayload(withoutTLS.Password)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, present := payload["owner"]; present {
		t.Fatal("owner must not be present without TLS+verify")
	}

	withTLS, ok := c.CredentialsFor(CredentialParams{
		Method: "token", NodePublicKey: pub, NodePrivateKey: priv,
		Owner: "alice", Email: "Alice@Example.com", TLSEnabled: true, TLSVerify: true, BrokerIndex: 2,
	})
	if !ok {
		t.Fatal("expected credentials")
	}
	payload2, err := DecodePayload(withTLS.Password)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload2["owner"] != "alice" || payload2["email"] != "alice@example.com" {
		t.Fatalf("payload = %+v", payload2)
	}
}
