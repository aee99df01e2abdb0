package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityKindStringCoversEveryKind(t *testing.T) {
	kinds := []EntityKind{
		KindMlsCredential, KindMlsSignatureKeyPair, KindMlsHpkePrivateKey,
		KindMlsEncryptionKeyPair, KindMlsKeyPackage, KindMlsGroup,
		KindMlsPendingGroup, KindE2eiEnrollment, KindProteusIdentity,
		KindProteusPrekey, KindProteusSession,
	}
	for _, k := range kinds {
		assert.NotEqual(t, "unknown", k.String())
	}
	var bogus EntityKind = 255
	assert.Equal(t, "unknown", bogus.String())
}

func TestTypedEntitiesFlattenToRaw(t *testing.T) {
	cred := MlsCredential{SignaturePublicKey: []byte("pub"), Payload: []byte("body")}
	assert.Equal(t, KindMlsCredential, cred.Kind())
	assert.Equal(t, []byte("pub"), cred.PrimaryKey())
	assert.Equal(t, []byte("body"), cred.Bytes())

	session := ProteusSession{SessionID: []byte("alice_device1"), Payload: []byte("ratchet-state")}
	assert.Equal(t, KindProteusSession, session.Kind())
	assert.Equal(t, []byte("alice_device1"), session.PrimaryKey())

	identity := ProteusIdentity{Payload: []byte("keypair")}
	assert.Equal(t, []byte("proteus_identity"), identity.PrimaryKey())
}
