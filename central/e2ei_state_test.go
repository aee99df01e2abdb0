package central

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
)

func selfSignedLeaf(t *testing.T, notBefore, notAfter time.Time) []byte {
	t.Helper()
	sig, err := corecrypto.GenerateSignatureKeyPair()
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, sig.Public, sig.Private)
	require.NoError(t, err)
	return der
}

func TestClassifyLeafBasicForNonCertificateIdentity(t *testing.T) {
	sig, err := corecrypto.GenerateSignatureKeyPair()
	require.NoError(t, err)
	assert.Equal(t, leafBasic, classifyLeaf([]byte(sig.Public), time.Now()))
}

func TestClassifyLeafValidWithinWindow(t *testing.T) {
	now := time.Now()
	der := selfSignedLeaf(t, now.Add(-time.Hour), now.Add(time.Hour))
	assert.Equal(t, leafValid, classifyLeaf(der, now))
}

func TestClassifyLeafInvalidWhenExpired(t *testing.T) {
	now := time.Now()
	der := selfSignedLeaf(t, now.Add(-48*time.Hour), now.Add(-time.Hour))
	assert.Equal(t, leafInvalid, classifyLeaf(der, now))
}

func TestClassifyLeafInvalidWhenNotYetValid(t *testing.T) {
	now := time.Now()
	der := selfSignedLeaf(t, now.Add(time.Hour), now.Add(48*time.Hour))
	assert.Equal(t, leafInvalid, classifyLeaf(der, now))
}

func TestE2eiConversationStateStringValues(t *testing.T) {
	assert.Equal(t, "verified", E2eiVerified.String())
	assert.Equal(t, "degraded", E2eiDegraded.String())
	assert.Equal(t, "not_enabled", E2eiNotEnabled.String())
}
