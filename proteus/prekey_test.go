package proteus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCentral(t *testing.T) *Central {
	t.Helper()
	store := newProteusTestStore(t)
	c, err := NewCentral(context.Background(), store)
	require.NoError(t, err)
	return c
}

func TestNewPrekeyReturnsBundleBoundToIdentity(t *testing.T) {
	c := newTestCentral(t)
	bundle, err := c.NewPrekey(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), bundle.PrekeyID)
	assert.Equal(t, c.identityPublic, bundle.IdentityKey)
	assert.NotEmpty(t, bundle.PrekeyPublic)
}

func TestConsumePrekeyIsOneShot(t *testing.T) {
	c := newTestCentral(t)
	_, err := c.NewPrekey(context.Background(), 2)
	require.NoError(t, err)

	priv, err := c.consumePrekey(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, priv, 32)

	_, err = c.consumePrekey(context.Background(), 2)
	assert.Error(t, err, "a prekey must not be consumable twice")
}

func TestNewPrekeyOverwritesSameID(t *testing.T) {
	c := newTestCentral(t)
	first, err := c.NewPrekey(context.Background(), 5)
	require.NoError(t, err)
	second, err := c.NewPrekey(context.Background(), 5)
	require.NoError(t, err)
	assert.NotEqual(t, first.PrekeyPublic, second.PrekeyPublic)

	priv, err := c.consumePrekey(context.Background(), 5)
	require.NoError(t, err)
	assert.NotEmpty(t, priv)
}
