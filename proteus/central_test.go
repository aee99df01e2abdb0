package proteus

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeMessageForTest(data []byte, msg *Message) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(msg)
}

func TestFingerprintLocalIsStableHash(t *testing.T) {
	c := newTestCentral(t)
	fp1 := c.FingerprintLocal()
	fp2 := c.FingerprintLocal()
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32)
}

func TestSessionHandshakeRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newTestCentral(t)
	bob := newTestCentral(t)

	bundle, err := bob.NewPrekey(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, alice.SessionFromPrekeyBundle(ctx, "alice-to-bob", bundle))

	firstCiphertext, err := alice.Encrypt(ctx, "alice-to-bob", []byte("hello bob"))
	require.NoError(t, err)

	var msg Message
	require.NoError(t, decodeMessageForTest(firstCiphertext, &msg))

	plaintext, err := bob.SessionFromMessage(ctx, "bob-from-alice", msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), plaintext)
}

func TestEncryptDecryptSubsequentMessages(t *testing.T) {
	ctx := context.Background()
	alice := newTestCentral(t)
	bob := newTestCentral(t)

	bundle, err := bob.NewPrekey(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, alice.SessionFromPrekeyBundle(ctx, "sess", bundle))

	firstCT, err := alice.Encrypt(ctx, "sess", []byte("msg one"))
	require.NoError(t, err)
	var msg Message
	require.NoError(t, decodeMessageForTest(firstCT, &msg))
	_, err = bob.SessionFromMessage(ctx, "sess", msg)
	require.NoError(t, err)

	secondCT, err := alice.Encrypt(ctx, "sess", []byte("msg two"))
	require.NoError(t, err)
	plaintext, err := bob.Decrypt(ctx, "sess", secondCT)
	require.NoError(t, err)
	assert.Equal(t, []byte("msg two"), plaintext)
}

func TestEncryptBatchedReturnsOnePerSession(t *testing.T) {
	ctx := context.Background()
	alice := newTestCentral(t)
	bob := newTestCentral(t)
	carol := newTestCentral(t)

	bobBundle, err := bob.NewPrekey(ctx, 1)
	require.NoError(t, err)
	carolBundle, err := carol.NewPrekey(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, alice.SessionFromPrekeyBundle(ctx, "to-bob", bobBundle))
	require.NoError(t, alice.SessionFromPrekeyBundle(ctx, "to-carol", carolBundle))

	out, err := alice.EncryptBatched(ctx, []string{"to-bob", "to-carol"}, []byte("broadcast"))
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.NotEqual(t, out[0], out[1])
}

func TestDeleteSessionRemovesItFromMemoryAndStore(t *testing.T) {
	ctx := context.Background()
	alice := newTestCentral(t)
	bob := newTestCentral(t)

	bundle, err := bob.NewPrekey(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, alice.SessionFromPrekeyBundle(ctx, "sess", bundle))
	_, err = alice.Encrypt(ctx, "sess", []byte("hi"))
	require.NoError(t, err)

	require.NoError(t, alice.DeleteSession(ctx, "sess"))

	_, err = alice.getSession(ctx, "sess")
	assert.Error(t, err)
}

func TestSaveSessionForcesExplicitPersist(t *testing.T) {
	ctx := context.Background()
	alice := newTestCentral(t)
	bob := newTestCentral(t)

	bundle, err := bob.NewPrekey(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, alice.SessionFromPrekeyBundle(ctx, "sess", bundle))
	_, err = alice.Encrypt(ctx, "sess", []byte("hi"))
	require.NoError(t, err)

	assert.NoError(t, alice.SaveSession(ctx, "sess"))
}

func TestSessionFromMessageRequiresPrekeyID(t *testing.T) {
	ctx := context.Background()
	bob := newTestCentral(t)
	_, err := bob.SessionFromMessage(ctx, "sess", Message{})
	assert.Error(t, err)
}
