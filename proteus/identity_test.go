package proteus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityGeneratesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	store := newProteusTestStore(t)

	priv, pub, err := loadOrCreateIdentity(ctx, store)
	require.NoError(t, err)
	assert.Len(t, priv, 32)
	assert.Len(t, pub, 32)
}

func TestLoadOrCreateIdentityReloadsSameKeypair(t *testing.T) {
	ctx := context.Background()
	store := newProteusTestStore(t)

	priv1, pub1, err := loadOrCreateIdentity(ctx, store)
	require.NoError(t, err)

	priv2, pub2, err := loadOrCreateIdentity(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, priv1, priv2)
	assert.Equal(t, pub1, pub2)
}
