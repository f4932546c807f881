// Package webhookauth authenticates provider callbacks with Ed25519
// signatures checked against the provider's published key set.
package webhookauth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"renderhub/apperr"

	"github.com/go-logr/logr"
)

// JWK is one entry of a JSON Web Key Set. Only OKP/Ed25519 keys are used.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid,omitempty"`
}

type jwks struct {
	Keys []JWK `json:"keys"`
}

// KeyProvider hands out the current verification keys.
type KeyProvider interface {
	Keys(ctx context.Context) ([]ed25519.PublicKey, error)
}

// KeySet caches a remote key set for a fixed TTL. A stale set is refetched
// synchronously on the next read; the set is only ever replaced as a whole.
type KeySet struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time
	log    logr.Logger

	mu        sync.Mutex
	keys      []ed25519.PublicKey
	fetchedAt time.Time
}

func NewKeySet(url string, ttl time.Duration, client *http.Client, log logr.Logger) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{url: url, ttl: ttl, client: client, now: time.Now, log: log.WithName("jwks")}
}

// Keys returns the cached keys, fetching them first if the cache is empty
// or older than the TTL.
func (k *KeySet) Keys(ctx context.Context) ([]ed25519.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) > 0 && k.now().Sub(k.fetchedAt) < k.ttl {
		return k.keys, nil
	}
	if err := k.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return k.keys, nil
}

// Refresh refetches the key set regardless of its age.
func (k *KeySet) Refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.refreshLocked(ctx)
}

func (k *KeySet) refreshLocked(ctx context.Context) error {
	keys, err := k.fetch(ctx)
	if err != nil {
		return apperr.WrapWithCode(err, apperr.CodeVerification, "jwks.fetch", "failed to fetch key set").WithField("url", k.url)
	}
	k.keys = keys
	k.fetchedAt = k.now()
	k.log.V(1).Info("Key set refreshed", "keys", len(keys))
	return nil
}

func (k *KeySet) fetch(ctx context.Context) ([]ed25519.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	return ParseKeys(set.Keys)
}

// ParseKeys decodes the Ed25519 keys of a key set, skipping anything else.
// An empty result is an error.
func ParseKeys(jwks []JWK) ([]ed25519.PublicKey, error) {
	var keys []ed25519.PublicKey
	for _, jwk := range jwks {
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(jwk.X, "="))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	if len(keys) == 0 {
		return nil, errors.New("key set has no usable Ed25519 keys")
	}
	return keys, nil
}
