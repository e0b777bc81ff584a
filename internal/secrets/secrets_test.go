package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore_GetSecret(t *testing.T) {
	t.Setenv("ROUTER_OPENAI_API_KEY", "sk-env")

	store := NewEnvStore("ROUTER_")
	value, err := store.GetSecret(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", value)
}

func TestEnvStore_GetSecret_NormalizesID(t *testing.T) {
	t.Setenv("ROUTER_LOCAL_VLLM_API_KEY", "sk-local")

	store := NewEnvStore("ROUTER_")
	value, err := store.GetSecret(context.Background(), "local-vllm")
	require.NoError(t, err)
	assert.Equal(t, "sk-local", value)
}

func TestEnvStore_GetSecret_Missing(t *testing.T) {
	store := NewEnvStore("ROUTER_")

	_, err := store.GetSecret(context.Background(), "unconfigured-backend")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvStore_GetSecret_EmptyValueIsMissing(t *testing.T) {
	t.Setenv("ROUTER_EMPTY_API_KEY", "")

	store := NewEnvStore("ROUTER_")
	_, err := store.GetSecret(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestStaticStore_GetSecret(t *testing.T) {
	store := NewStaticStore(map[string]string{"openai": "sk-static"})

	value, err := store.GetSecret(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-static", value)

	_, err = store.GetSecret(context.Background(), "other")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
