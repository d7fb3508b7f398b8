package auth

import (
	"crypto/sha256"
	"sync"

	"mercator-hq/floodgate/pkg/config"
)

type keyEntry struct {
	client   Client
	disabled bool
}

// APIKeyValidator validates API keys against a configured set of keys.
// Only SHA-256 digests of the keys are held in memory.
type APIKeyValidator struct {
	mu   sync.RWMutex
	keys map[[sha256.Size]byte]keyEntry
}

// NewAPIKeyValidator creates a validator accepting the given keys.
func NewAPIKeyValidator(keys []config.APIKeyConfig) *APIKeyValidator {
	v := &APIKeyValidator{}
	v.Replace(keys)
	return v
}

// Validate returns the client owning key.
func (v *APIKeyValidator) Validate(key string) (*Client, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.RLock()
	entry, ok := v.keys[digest]
	v.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidKey
	}
	if entry.disabled {
		return nil, ErrKeyDisabled
	}

	client := entry.client
	return &client, nil
}

// Replace swaps the accepted keys. Keys with an empty value are skipped.
func (v *APIKeyValidator) Replace(keys []config.APIKeyConfig) {
	next := make(map[[sha256.Size]byte]keyEntry, len(keys))
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		next[sha256.Sum256([]byte(k.Key))] = keyEntry{
			client:   Client{Name: k.Name},
			disabled: k.Disabled,
		}
	}

	v.mu.Lock()
	v.keys = next
	v.mu.Unlock()
}

// Len returns the number of configured keys, disabled ones included.
func (v *APIKeyValidator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}
