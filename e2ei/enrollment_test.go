package e2ei

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2eicore/corecrypto/keystore"
)

func newTestStore(t *testing.T) keystore.Store {
	t.Helper()
	store, err := keystore.OpenMemStore([]byte("e2ei-test-master-key-0123456"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewEnrollmentIDIsUnique(t *testing.T) {
	a := NewEnrollmentID()
	b := NewEnrollmentID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestNewStartsFresh(t *testing.T) {
	store := newTestStore(t)
	e, err := New(context.Background(), store, "enrollment-1", "https://ca.example/directory", []string{"alice.wire.example"})
	require.NoError(t, err)
	assert.Equal(t, StateFresh, e.State())
	assert.NotNil(t, e.SignatureKeyPair())
}

func TestResumeRestoresSameSigningKey(t *testing.T) {
	store := newTestStore(t)
	e, err := New(context.Background(), store, "enrollment-2", "https://ca.example/directory", []string{"bob.wire.example"})
	require.NoError(t, err)

	resumed, err := Resume(context.Background(), store, "enrollment-2")
	require.NoError(t, err)
	assert.Equal(t, e.State(), resumed.State())
	assert.Equal(t, e.SignatureKeyPair().Public, resumed.SignatureKeyPair().Public)
}

func TestResumeErrorsForUnknownID(t *testing.T) {
	store := newTestStore(t)
	_, err := Resume(context.Background(), store, "nonexistent")
	assert.Error(t, err)
}

func TestStateStringValues(t *testing.T) {
	assert.Equal(t, "fresh", StateFresh.String())
	assert.Equal(t, "order_created", StateOrderCreated.String())
	assert.Equal(t, "challenge_ready", StateChallengeReady.String())
	assert.Equal(t, "finalized", StateFinalized.String())
}

func TestCreateOrderRejectsWrongState(t *testing.T) {
	store := newTestStore(t)
	e, err := New(context.Background(), store, "enrollment-3", "https://ca.example/directory", []string{"carol.wire.example"})
	require.NoError(t, err)
	e.rec.State = StateOrderCreated

	err = e.CreateOrder(context.Background())
	assert.Error(t, err)
}

func TestFetchChallengesRejectsWrongState(t *testing.T) {
	store := newTestStore(t)
	e, err := New(context.Background(), store, "enrollment-4", "https://ca.example/directory", []string{"dave.wire.example"})
	require.NoError(t, err)

	_, err = e.FetchChallenges(context.Background(), "http-01")
	assert.Error(t, err, "fetching challenges before an order exists must fail without touching the network")
}

func TestAcceptChallengesRejectsWrongState(t *testing.T) {
	store := newTestStore(t)
	e, err := New(context.Background(), store, "enrollment-5", "https://ca.example/directory", []string{"erin.wire.example"})
	require.NoError(t, err)

	err = e.AcceptChallenges(context.Background(), nil)
	assert.Error(t, err)
}

func TestFinalizeOrderRejectsWrongState(t *testing.T) {
	store := newTestStore(t)
	e, err := New(context.Background(), store, "enrollment-6", "https://ca.example/directory", []string{"frank.wire.example"})
	require.NoError(t, err)

	_, err = e.FinalizeOrder(context.Background())
	assert.Error(t, err)
}
