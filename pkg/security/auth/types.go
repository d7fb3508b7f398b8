package auth

import "errors"

// Client is an authenticated API client.
type Client struct {
	// Name is the configured name of the client's key.
	Name string
}

// KeyStore validates API keys.
type KeyStore interface {
	Validate(key string) (*Client, error)
}

var (
	// ErrMissingKey is returned when a request carries no API key.
	ErrMissingKey = errors.New("missing API key")

	// ErrInvalidKey is returned for keys that are not configured.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrKeyDisabled is returned for configured keys marked disabled.
	ErrKeyDisabled = errors.New("API key disabled")
)
