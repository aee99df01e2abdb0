package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
	"github.com/e2eicore/corecrypto/keystore"
)

func newTestClient(t *testing.T) (*Client, keystore.Store, *corecrypto.Provider) {
	t.Helper()
	store, err := keystore.OpenMemStore([]byte("identity-test-master-key-0123"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	provider := corecrypto.NewProvider(store)
	client, err := NewFromIdentifier(context.Background(), ClientID("alice:device1"), store, provider)
	require.NoError(t, err)
	return client, store, provider
}

func TestNewBasicCredentialPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	client, store, provider := newTestClient(t)

	bundle, err := client.NewBasicCredential(ctx, corecrypto.DefaultCiphersuite)
	require.NoError(t, err)
	assert.Equal(t, CredentialBasic, bundle.Type)
	assert.NotEmpty(t, bundle.Signature.Public)

	restored, err := NewFromIdentifier(ctx, ClientID("alice:device1"), store, provider)
	require.NoError(t, err)
	found, err := restored.MostRecentBundle(corecrypto.DefaultCiphersuite, CredentialBasic)
	require.NoError(t, err)
	assert.Equal(t, bundle.Signature.Public, found.Signature.Public)
}

func TestMostRecentBundleErrorsWhenNoneExist(t *testing.T) {
	client, _, _ := newTestClient(t)
	_, err := client.MostRecentBundle(corecrypto.DefaultCiphersuite, CredentialBasic)
	assert.Error(t, err)
}

func TestMostRecentBundlePicksNewest(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)

	first, err := client.NewBasicCredential(ctx, corecrypto.DefaultCiphersuite)
	require.NoError(t, err)
	second, err := client.NewBasicCredential(ctx, corecrypto.DefaultCiphersuite)
	require.NoError(t, err)

	if !second.CreatedAt.After(first.CreatedAt) {
		t.Skip("system clock resolution too coarse to distinguish creation order")
	}

	newest, err := client.MostRecentBundle(corecrypto.DefaultCiphersuite, CredentialBasic)
	require.NoError(t, err)
	assert.Equal(t, second.Signature.Public, newest.Signature.Public)
}

func TestBindBasicBundleTwoPhaseInit(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)

	sig, err := corecrypto.GenerateSignatureKeyPair()
	require.NoError(t, err)

	bundle, err := client.BindBasicBundle(ctx, corecrypto.DefaultCiphersuite, sig)
	require.NoError(t, err)
	assert.Equal(t, sig.Public, bundle.Signature.Public)

	found, err := client.BundleByPublicKey(sig.Public)
	require.NoError(t, err)
	assert.Equal(t, bundle, found)
}

func TestBindX509BundleRequiresNonEmptyChain(t *testing.T) {
	client, _, _ := newTestClient(t)
	sig, err := corecrypto.GenerateSignatureKeyPair()
	require.NoError(t, err)

	_, err = client.BindX509Bundle(context.Background(), corecrypto.DefaultCiphersuite, sig, nil)
	assert.Error(t, err)
}

func TestBindX509BundleStoresChain(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)
	sig, err := corecrypto.GenerateSignatureKeyPair()
	require.NoError(t, err)

	chain := [][]byte{[]byte("leaf-der"), []byte("intermediate-der")}
	bundle, err := client.BindX509Bundle(ctx, corecrypto.DefaultCiphersuite, sig, chain)
	require.NoError(t, err)
	assert.Equal(t, CredentialX509, bundle.Type)
	assert.Equal(t, chain, bundle.CertificateChain)
}

func TestCredentialIdentityBasicUsesPublicKey(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)
	bundle, err := client.NewBasicCredential(ctx, corecrypto.DefaultCiphersuite)
	require.NoError(t, err)

	identity := CredentialIdentity(bundle)
	assert.Equal(t, []byte(bundle.Signature.Public), identity)
}

func TestCredentialIdentityX509UsesLeafCertificate(t *testing.T) {
	ctx := context.Background()
	client, _, _ := newTestClient(t)
	sig, err := corecrypto.GenerateSignatureKeyPair()
	require.NoError(t, err)
	chain := [][]byte{[]byte("leaf-der-bytes")}
	bundle, err := client.BindX509Bundle(ctx, corecrypto.DefaultCiphersuite, sig, chain)
	require.NoError(t, err)

	identity := CredentialIdentity(bundle)
	assert.Equal(t, []byte("leaf-der-bytes"), identity)
}

func TestCredentialTypeString(t *testing.T) {
	assert.Equal(t, "basic", CredentialBasic.String())
	assert.Equal(t, "x509", CredentialX509.String())
}
