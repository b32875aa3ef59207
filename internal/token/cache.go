package token

import (
	"strings"
	"sync"
	"time"
)

// refreshWindow is how close to expiry a cached token must be before a
// fresh one is minted, per spec.md §4.7 ("under 5 minutes" of remaining
// lifetime).
const refreshWindow = 5 * time.Minute

// tokenLifetime is the broker-auth token's fixed lifetime, per spec.md
// §4.7.
const tokenLifetime = time.Hour

type cacheEntry struct {
	signed string
	expiry time.Time
}

// Cache mints and caches per-broker auth tokens, keyed by broker index.
// Mutated only by the reconnect path and the credential-generation path
// per spec.md §5, but guarded with a lock anyway since both run from the
// same manager goroutine only by convention, not by construction.
type Cache struct {
	mu      sync.Mutex
	entries map[int]cacheEntry
	now     func() time.Time
}

// NewCache constructs an empty token cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[int]cacheEntry), now: time.Now}
}

// Invalidate drops the cached token for a broker, forcing a fresh mint on
// the next call to MintForBroker. Called on forced refresh or reconnect
// per spec.md §3's token-cache-entry lifecycle.
func (c *Cache) Invalidate(brokerIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, brokerIndex)
}

// MintForBroker returns a cached token for brokerIndex if its remaining
// lifetime exceeds refreshWindow, minting and caching a fresh one
// otherwise. Satisfies spec.md §8's freshness-window idempotence law: two
// calls within the window return byte-identical tokens.
func (c *Cache) MintForBroker(brokerIndex int, pubkeyHex, privkeyHex string, extra map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[brokerIndex]; ok {
		if entry.expiry.Sub(c.now()) > refreshWindow {
			return entry.signed, nil
		}
	}

	// Stamp iat/exp from the cache's own clock so the token's lifetime is the
	// expiry recorded in the cache entry.
	now := c.now()
	claims := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		claims[k] = v
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(tokenLifetime).Unix()

	signed, err := Create(pubkeyHex, privkeyHex, tokenLifetime, claims)
	if err != nil {
		return "", err
	}
	c.entries[brokerIndex] = cacheEntry{signed: signed, expiry: now.Add(tokenLifetime)}
	return signed, nil
}

// Credentials is the username/password pair the Broker Manager supplies to
// a broker client at (re)connect time, per spec.md §4.7.
type Credentials struct {
	Username string
	Password string
}

// CredentialParams carries everything needed to compute per-broker auth
// credentials without the token package depending on internal/config.
type CredentialParams struct {
	Method          string // "none", "password", "token"
	StaticUsername  string
	StaticPassword  string
	Audience        string
	Owner           string
	Email           string
	TLSEnabled      bool
	TLSVerify       bool
	ClientVersion   string
	NodePublicKey   string
	NodePrivateKey  string
	BrokerIndex     int
}

// CredentialsFor computes auth credentials per spec.md §4.7. Returns ok=
// false when method is "token" but the node has no private key (token
// auth unavailable; the broker record cannot connect).
func (c *Cache) CredentialsFor(p CredentialParams) (creds Credentials, ok bool) {
	switch p.Method {
	case "", "none":
		return Credentials{}, true
	case "password":
		return Credentials{Username: p.StaticUsername, Password: p.StaticPassword}, true
	case "token":
		if p.NodePrivateKey == "" {
			return Credentials{}, false
		}
		claims := map[string]any{"client": p.ClientVersion}
		if p.Audience != "" {
			claims["aud"] = p.Audience
		}
		if p.TLSEnabled && p.TLSVerify {
			if p.Owner != "" {
				claims["owner"] = p.Owner
			}
			if p.Email != "" {
				claims["email"] = strings.ToLower(p.Email)
			}
		}
		signed, err := c.MintForBroker(p.BrokerIndex, p.NodePublicKey, p.NodePrivateKey, claims)
		if err != nil {
			return Credentials{}, false
		}
		username := "v1_" + strings.ToUpper(p.NodePublicKey)
		return Credentials{Username: username, Password: signed}, true
	default:
		return Credentials{}, false
	}
}
