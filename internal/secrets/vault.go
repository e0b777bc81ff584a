package secrets

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// vaultCacheTTL is how long a resolved secret is served from memory before
// Vault is consulted again.
const vaultCacheTTL = 5 * time.Minute

// VaultConfig contains Vault connection settings for the secret store.
type VaultConfig struct {
	// Address is the Vault server address.
	Address string

	// Token authenticates the client.
	Token string

	// Mount is the KV v2 mount point. Default "secret".
	Mount string

	// PathPrefix is prepended to the backend id to form the secret path.
	PathPrefix string
}

// vaultStore resolves secrets from a Vault KV v2 engine. Each backend id maps
// to <mount>/data/<pathPrefix>/<id> with the secret under the "api_key" key.
type vaultStore struct {
	client *vaultapi.Client
	logger observability.Logger
	mount  string
	prefix string

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// NewVaultStore creates a Store backed by Vault KV v2.
func NewVaultStore(cfg VaultConfig, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}

	logger.Info("vault secret store initialized",
		observability.String("address", cfg.Address),
		observability.String("mount", mount),
	)

	return &vaultStore{
		client: client,
		logger: logger,
		mount:  mount,
		prefix: cfg.PathPrefix,
		cache:  make(map[string]cachedSecret),
	}, nil
}

// GetSecret implements Store.
func (s *vaultStore) GetSecret(ctx context.Context, backendID string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[backendID]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	fullPath := path.Join(s.mount, "data", s.prefix, backendID)

	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read vault secret %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	// KV v2 wraps payloads in a "data" key; deleted secrets have data: null.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := data["api_key"].(string)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}

	s.mu.Lock()
	s.cache[backendID] = cachedSecret{value: value, expiresAt: time.Now().Add(vaultCacheTTL)}
	s.mu.Unlock()

	s.logger.Debug("resolved vault secret",
		observability.String("backend", backendID),
	)

	return value, nil
}
