package mls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2eicore/corecrypto/keystore"
)

func TestJoinByExternalCommitMergeRoundTrip(t *testing.T) {
	aliceKPP := newKeyPairPackage(t, testCiphersuite, "alice")
	aliceConv, _, err := Create(ConversationID("ext-group-1"), aliceKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	pgs, err := aliceConv.ExportPublicGroupState()
	require.NoError(t, err)

	store := newTestStore(t)
	eveKPP := newKeyPairPackage(t, testCiphersuite, "eve")
	bundle, err := JoinByExternalCommit(context.Background(), store, pgs, eveKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.Commit)

	conv, err := MergePendingGroupFromExternalCommit(context.Background(), store, bundle.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, bundle.ConversationID, conv.ID())

	_, err = store.Find(context.Background(), keystore.KindMlsPendingGroup, []byte(bundle.ConversationID))
	assert.Error(t, err, "the pending row must be gone once the merge transaction commits")
}

func TestExternalCommitAcceptedByExistingMember(t *testing.T) {
	aliceKPP := newKeyPairPackage(t, testCiphersuite, "alice")
	aliceConv, _, err := Create(ConversationID("ext-group-3"), aliceKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)
	pgs, err := aliceConv.ExportPublicGroupState()
	require.NoError(t, err)

	store := newTestStore(t)
	eveKPP := newKeyPairPackage(t, testCiphersuite, "eve")
	bundle, err := JoinByExternalCommit(context.Background(), store, pgs, eveKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	result, err := aliceConv.DecryptMessage(context.Background(), nil, nil, bundle.Commit)
	require.NoError(t, err)
	assert.Equal(t, DecryptResultCommitExternal, result.Kind)
	assert.Equal(t, uint64(1), aliceConv.Epoch())
}

func TestClearPendingGroupFromExternalCommitRemovesRow(t *testing.T) {
	aliceKPP := newKeyPairPackage(t, testCiphersuite, "alice")
	aliceConv, _, err := Create(ConversationID("ext-group-2"), aliceKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)
	pgs, err := aliceConv.ExportPublicGroupState()
	require.NoError(t, err)

	store := newTestStore(t)
	eveKPP := newKeyPairPackage(t, testCiphersuite, "eve")
	bundle, err := JoinByExternalCommit(context.Background(), store, pgs, eveKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	require.NoError(t, ClearPendingGroupFromExternalCommit(context.Background(), store, bundle.ConversationID))
	_, err = store.Find(context.Background(), keystore.KindMlsPendingGroup, []byte(bundle.ConversationID))
	assert.Error(t, err)
}

func TestValidateExternalCommitSkipsNonExternal(t *testing.T) {
	err := ValidateExternalCommit(false, nil, nil, nil)
	assert.NoError(t, err)
}

func TestValidateExternalCommitRequiresCallbacks(t *testing.T) {
	err := ValidateExternalCommit(true, []byte("bob"), nil, nil)
	assert.Error(t, err)
}

func TestValidateExternalCommitChecksExistingUserBeforeAuthorize(t *testing.T) {
	authorizeCalled := false
	err := ValidateExternalCommit(true, []byte("bob"),
		func([]byte) bool { return true },
		func([]byte) bool { authorizeCalled = true; return true })
	assert.NoError(t, err)
	assert.False(t, authorizeCalled, "an already-known group member must not fall through to the authorize callback")
}

func TestValidateExternalCommitRejectsUnauthorized(t *testing.T) {
	err := ValidateExternalCommit(true, []byte("mallory"),
		func([]byte) bool { return false },
		func([]byte) bool { return false })
	assert.Error(t, err)
}

func TestValidateExternalCommitAcceptsAuthorizedNewUser(t *testing.T) {
	err := ValidateExternalCommit(true, []byte("carol"),
		func([]byte) bool { return false },
		func([]byte) bool { return true })
	assert.NoError(t, err)
}
