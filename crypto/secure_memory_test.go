package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureWipeZeroesData(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, data)
}

func TestSecureWipeRejectsNil(t *testing.T) {
	assert.Error(t, SecureWipe(nil))
}

func TestZeroBytesIgnoresError(t *testing.T) {
	// Must not panic on nil input; ZeroBytes swallows SecureWipe's error.
	ZeroBytes(nil)
}

func TestWipeSignatureKeyPair(t *testing.T) {
	kp, err := GenerateSignatureKeyPair()
	require.NoError(t, err)

	allZero := func(b []byte) bool {
		for _, v := range b {
			if v != 0 {
				return false
			}
		}
		return true
	}
	require.False(t, allZero(kp.Private))

	require.NoError(t, WipeSignatureKeyPair(kp))
	assert.True(t, allZero(kp.Private))
}

func TestWipeSignatureKeyPairRejectsNil(t *testing.T) {
	assert.Error(t, WipeSignatureKeyPair(nil))
}
