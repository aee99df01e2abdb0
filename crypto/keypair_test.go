package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSignatureKeyPair(t *testing.T) {
	kp, err := GenerateSignatureKeyPair()
	require.NoError(t, err)
	require.NotNil(t, kp)
	assert.Len(t, kp.Public, 32)
	assert.Len(t, kp.Private, 64)

	kp2, err := GenerateSignatureKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Public, kp2.Public)
}

func TestSignatureKeyPairFromSeedDeterministic(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i + 1)
	}

	kp1, err := SignatureKeyPairFromSeed(seed)
	require.NoError(t, err)
	kp2, err := SignatureKeyPairFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, kp1.Public, kp2.Public)
	assert.Equal(t, kp1.Private, kp2.Private)
}

func TestSignatureKeyPairFromSeedRejectsZero(t *testing.T) {
	var seed [32]byte
	_, err := SignatureKeyPairFromSeed(seed)
	assert.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateSignatureKeyPair()
	require.NoError(t, err)

	msg := []byte("mls handshake message")
	sig := Sign(kp.Private, msg)
	assert.True(t, Verify(kp.Public, msg, sig))
	assert.False(t, Verify(kp.Public, []byte("tampered"), sig))
}

func TestGenerateHPKEKeyPairForEachCiphersuite(t *testing.T) {
	for _, cs := range SupportedCiphersuites {
		cs := cs
		t.Run(cs.String(), func(t *testing.T) {
			kp, err := GenerateHPKEKeyPair(cs)
			require.NoError(t, err)
			assert.NotEmpty(t, kp.PublicRaw)
			assert.NotEmpty(t, kp.PrivateRaw)
		})
	}
}

func TestGenerateHPKEKeyPairRejectsUnsupportedSuite(t *testing.T) {
	_, err := GenerateHPKEKeyPair(Ciphersuite(0xffff))
	assert.Error(t, err)
}
