package mls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
	"github.com/e2eicore/corecrypto/identity"
	"github.com/e2eicore/corecrypto/keystore"
)

func newTestStore(t *testing.T) keystore.Store {
	t.Helper()
	store, err := keystore.OpenMemStore([]byte("mls-test-master-key-0123456789"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newKeyPairPackage builds a standalone identity.KeyPairPackage for name,
// independent of any shared keystore, for tests that only need the wire
// material and never exercise the keystore-backed lookup/consume path.
func newKeyPairPackage(t *testing.T, cs corecrypto.Ciphersuite, name string) identity.KeyPairPackage {
	t.Helper()
	store := newTestStore(t)
	provider := corecrypto.NewProvider(store)
	client, err := identity.NewFromIdentifier(context.Background(), identity.ClientID(name), store, provider)
	require.NoError(t, err)
	bundle, err := client.NewBasicCredential(context.Background(), cs)
	require.NoError(t, err)
	kpp, err := identity.GenerateKeyPairPackage(cs, bundle)
	require.NoError(t, err)
	return *kpp
}

const testCiphersuite = corecrypto.Ciphersuite128X25519Chacha20Sha256Ed25519

func TestCreateSoloGroupStartsAtEpochZero(t *testing.T) {
	kpp := newKeyPairPackage(t, testCiphersuite, "alice")

	conv, creation, err := Create(ConversationID("group-1"), kpp, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)
	assert.Nil(t, creation)
	assert.Equal(t, uint64(0), conv.Epoch())
	assert.Equal(t, ConversationID("group-1"), conv.ID())
}

func TestEncryptDecryptRoundTripSoloGroup(t *testing.T) {
	kpp := newKeyPairPackage(t, testCiphersuite, "alice")
	conv, _, err := Create(ConversationID("group-2"), kpp, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	ciphertext, err := conv.EncryptMessage([]byte("hello group"))
	require.NoError(t, err)

	result, err := conv.DecryptMessage(context.Background(), nil, nil, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, DecryptResultApplication, result.Kind)
	assert.Equal(t, []byte("hello group"), result.Plaintext)
}

func TestCreateWithExtraMembersReturnsWelcomeAndCommit(t *testing.T) {
	aliceKPP := newKeyPairPackage(t, testCiphersuite, "alice")
	bobKPP := newKeyPairPackage(t, testCiphersuite, "bob")

	cfg := DefaultConfiguration(testCiphersuite)
	cfg.ExtraMembers = []identity.KeyPackage{bobKPP.Public}

	_, creation, err := Create(ConversationID("group-3"), aliceKPP, cfg)
	require.NoError(t, err)
	require.NotNil(t, creation)
	assert.NotEmpty(t, creation.Welcome)
	assert.NotEmpty(t, creation.Commit)

	bobConv, err := FromWelcomeMessage(creation.Welcome, bobKPP, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bobConv.Epoch())
}

func TestSerializeFromSerializedStateRoundTrip(t *testing.T) {
	kpp := newKeyPairPackage(t, testCiphersuite, "alice")
	conv, _, err := Create(ConversationID("group-4"), kpp, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	data, err := conv.Serialize()
	require.NoError(t, err)

	restored, err := FromSerializedState(data)
	require.NoError(t, err)
	assert.Equal(t, conv.ID(), restored.ID())
	assert.Equal(t, conv.Epoch(), restored.Epoch())
}

func TestPersistWritesRetrievableRow(t *testing.T) {
	store := newTestStore(t)
	kpp := newKeyPairPackage(t, testCiphersuite, "alice")
	conv, _, err := Create(ConversationID("group-5"), kpp, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, conv.Persist(ctx, store))

	row, err := store.Find(ctx, keystore.KindMlsGroup, []byte(conv.ID()))
	require.NoError(t, err)
	assert.NotEmpty(t, row)
}

func TestAddMembersRejectsSecondPendingCommit(t *testing.T) {
	aliceKPP := newKeyPairPackage(t, testCiphersuite, "alice")
	conv, _, err := Create(ConversationID("group-6"), aliceKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	bobKPP := newKeyPairPackage(t, testCiphersuite, "bob")
	_, err = conv.AddMembers(context.Background(), []identity.KeyPackage{bobKPP.Public})
	require.NoError(t, err)

	carolKPP := newKeyPairPackage(t, testCiphersuite, "carol")
	_, err = conv.AddMembers(context.Background(), []identity.KeyPackage{carolKPP.Public})
	assert.Error(t, err)
}

func TestCommitAcceptedRequiresPendingCommit(t *testing.T) {
	kpp := newKeyPairPackage(t, testCiphersuite, "alice")
	conv, _, err := Create(ConversationID("group-7"), kpp, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	err = conv.CommitAccepted(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestCommitAcceptedPersistsAndConsumesKeyPackages(t *testing.T) {
	store := newTestStore(t)
	aliceKPP := newKeyPairPackage(t, testCiphersuite, "alice")
	conv, _, err := Create(ConversationID("group-7b"), aliceKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	bobKPP := newKeyPairPackage(t, testCiphersuite, "bob")
	ref, err := bobKPP.Public.Reference()
	require.NoError(t, err)

	_, err = conv.AddMembers(context.Background(), []identity.KeyPackage{bobKPP.Public})
	require.NoError(t, err)

	consumer := &fakeKeyPackageConsumer{}
	require.NoError(t, conv.CommitAccepted(context.Background(), store, consumer))
	assert.Equal(t, uint64(1), conv.Epoch())
	require.Len(t, consumer.consumed, 1)
	assert.Equal(t, ref[:], consumer.consumed[0])

	row, err := store.Find(context.Background(), keystore.KindMlsGroup, []byte(conv.ID()))
	require.NoError(t, err)
	assert.NotEmpty(t, row)
}

func TestMembersIsDerivedNotCached(t *testing.T) {
	kpp := newKeyPairPackage(t, testCiphersuite, "alice")
	conv, _, err := Create(ConversationID("group-8"), kpp, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)

	members := conv.Members()
	assert.Len(t, members, 1)
}

func TestDecryptMessageCommitSelfThenNoOpOnReplay(t *testing.T) {
	aliceKPP := newKeyPairPackage(t, testCiphersuite, "alice")
	bobKPP := newKeyPairPackage(t, testCiphersuite, "bob")

	aliceConv, creation, err := Create(ConversationID("group-9"), aliceKPP, DefaultConfiguration(testCiphersuite))
	require.NoError(t, err)
	require.Nil(t, creation)

	commit, err := aliceConv.AddMembers(context.Background(), []identity.KeyPackage{bobKPP.Public})
	require.NoError(t, err)

	result, err := aliceConv.DecryptMessage(context.Background(), nil, nil, commit.Commit)
	require.NoError(t, err)
	assert.Equal(t, DecryptResultCommitSelf, result.Kind)
	assert.Equal(t, uint64(1), aliceConv.Epoch())

	replay, err := aliceConv.DecryptMessage(context.Background(), nil, nil, commit.Commit)
	require.NoError(t, err)
	assert.Equal(t, DecryptResultNoOp, replay.Kind)
}

type fakeKeyPackageConsumer struct {
	consumed [][]byte
}

func (f *fakeKeyPackageConsumer) ConsumeKeyPackages(ctx context.Context, references [][]byte) error {
	f.consumed = append(f.consumed, references...)
	return nil
}
