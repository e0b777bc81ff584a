package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
)

// stubCapability is a no-op capability for registry tests.
type stubCapability struct{}

func (stubCapability) Complete(context.Context, *backend.Request) (*backend.Response, error) {
	return &backend.Response{}, nil
}

func (stubCapability) Probe(context.Context) error { return nil }

func (stubCapability) EstimateCost(int, int, string) float64 { return 0 }

func TestRegistry_Register(t *testing.T) {
	reg := New()

	err := reg.Register(Descriptor{ID: "openai", Enabled: true}, stubCapability{})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())

	desc, err := reg.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", desc.ID)
	assert.True(t, desc.Enabled)
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Descriptor{ID: "openai"}, stubCapability{}))

	err := reg.Register(Descriptor{ID: "openai"}, stubCapability{})
	assert.ErrorIs(t, err, ErrDuplicateBackend)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := New()

	assert.Error(t, reg.Register(Descriptor{}, stubCapability{}))
	assert.Error(t, reg.Register(Descriptor{ID: "x"}, nil))
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := New()

	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = reg.Capability("nope")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRegistry_List_Order(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Descriptor{ID: "beta", Priority: 1}, stubCapability{}))
	require.NoError(t, reg.Register(Descriptor{ID: "alpha", Priority: 1}, stubCapability{}))
	require.NoError(t, reg.Register(Descriptor{ID: "zeta", Priority: 0}, stubCapability{}))

	// Priority first, id breaks ties.
	assert.Equal(t, []string{"zeta", "alpha", "beta"}, reg.IDs())
}

func TestRegistry_SetEnabled(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Descriptor{ID: "openai", Enabled: true}, stubCapability{}))

	require.NoError(t, reg.SetEnabled("openai", false))
	desc, err := reg.Get("openai")
	require.NoError(t, err)
	assert.False(t, desc.Enabled)

	assert.ErrorIs(t, reg.SetEnabled("missing", true), ErrUnknownBackend)
}

func TestRegistry_SetPriority(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(Descriptor{ID: "openai", Priority: 0, Enabled: true}, stubCapability{}))
	require.NoError(t, reg.Register(Descriptor{ID: "local", Priority: 1, Enabled: true}, stubCapability{}))

	require.NoError(t, reg.SetPriority("openai", 5))
	desc, err := reg.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, 5, desc.Priority)

	// List order follows the new priorities.
	descriptors := reg.List()
	assert.Equal(t, "local", descriptors[0].ID)
	assert.Equal(t, "openai", descriptors[1].ID)

	assert.ErrorIs(t, reg.SetPriority("missing", 1), ErrUnknownBackend)
}
