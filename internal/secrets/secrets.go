// Package secrets resolves backend credentials. The router and capability
// implementations depend only on the Store interface; concrete sources are
// environment variables or a Vault KV v2 engine.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when no secret exists for a backend.
var ErrSecretNotFound = errors.New("secret not found")

// Store supplies each backend its secret.
type Store interface {
	// GetSecret returns the secret for the given backend id, or
	// ErrSecretNotFound.
	GetSecret(ctx context.Context, backendID string) (string, error)
}

// envStore resolves secrets from environment variables.
type envStore struct {
	prefix string
}

// NewEnvStore creates a Store backed by environment variables. A backend
// "openai" with prefix "ROUTER_" resolves to ROUTER_OPENAI_API_KEY.
func NewEnvStore(prefix string) Store {
	return &envStore{prefix: prefix}
}

// GetSecret implements Store.
func (s *envStore) GetSecret(_ context.Context, backendID string) (string, error) {
	name := s.prefix + normalizeEnvName(backendID) + "_API_KEY"
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// normalizeEnvName converts a backend id into an environment variable token.
func normalizeEnvName(id string) string {
	id = strings.ToUpper(id)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, id)
}

// staticStore serves secrets from a fixed map. Intended for tests.
type staticStore struct {
	values map[string]string
}

// NewStaticStore creates a Store serving the given fixed values.
func NewStaticStore(values map[string]string) Store {
	return &staticStore{values: values}
}

// GetSecret implements Store.
func (s *staticStore) GetSecret(_ context.Context, backendID string) (string, error) {
	value, ok := s.values[backendID]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}
