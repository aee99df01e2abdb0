package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := newSealer([]byte("a reasonably long master key"))
	require.NoError(t, err)

	plaintext := []byte("credential bundle payload")
	ciphertext, err := s.seal(KindMlsCredential, []byte("pubkey"), plaintext)
	require.NoError(t, err)

	opened, err := s.open(KindMlsCredential, []byte("pubkey"), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenRejectsWrongKind(t *testing.T) {
	s, err := newSealer([]byte("a reasonably long master key"))
	require.NoError(t, err)

	ciphertext, err := s.seal(KindMlsCredential, []byte("pubkey"), []byte("payload"))
	require.NoError(t, err)

	_, err = s.open(KindProteusSession, []byte("pubkey"), ciphertext)
	assert.Error(t, err)
}

func TestOpenRejectsWrongPrimaryKey(t *testing.T) {
	s, err := newSealer([]byte("a reasonably long master key"))
	require.NoError(t, err)

	ciphertext, err := s.seal(KindMlsCredential, []byte("pubkey-a"), []byte("payload"))
	require.NoError(t, err)

	_, err = s.open(KindMlsCredential, []byte("pubkey-b"), ciphertext)
	assert.Error(t, err)
}

func TestOpenRejectsTruncatedCiphertext(t *testing.T) {
	s, err := newSealer([]byte("a reasonably long master key"))
	require.NoError(t, err)

	_, err = s.open(KindMlsCredential, []byte("pubkey"), []byte{0, 1})
	assert.Error(t, err)
}

func TestNewSealerRejectsEmptyMasterKey(t *testing.T) {
	_, err := newSealer(nil)
	assert.Error(t, err)
}

func TestWipeZeroesKey(t *testing.T) {
	s, err := newSealer([]byte("a reasonably long master key"))
	require.NoError(t, err)
	s.wipe()
	var zero [32]byte
	assert.Equal(t, zero, s.key)
}
