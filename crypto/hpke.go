package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
)

// hpkeSuite builds the circl HPKE suite (KEM from the ciphersuite, HKDF-SHA256
// key schedule, AES-128-GCM AEAD) corecrypto uses for every HPKE-sealed
// payload: KeyPackage welcomes and external-commit group-info handshakes. The
// AEAD/KDF pairing is fixed independent of the ciphersuite's own message
// AEAD — HPKE's internal AEAD only ever protects the sealed payload's own
// key schedule, never the application traffic.
func hpkeSuite(cs Ciphersuite) (hpke.Suite, error) {
	kem, err := kemForCiphersuite(cs)
	if err != nil {
		return hpke.Suite{}, err
	}
	return hpke.NewSuite(kem, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM), nil
}

// HPKESeal encapsulates a fresh key to recipientPublicRaw and seals plaintext
// under it, returning the encapsulated key (enc) and the sealed ciphertext.
// info binds the HPKE context to its purpose (e.g. "corecrypto welcome");
// aad is additional authenticated data sealed alongside plaintext.
func HPKESeal(cs Ciphersuite, recipientPublicRaw, info, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	kem, err := kemForCiphersuite(cs)
	if err != nil {
		return nil, nil, err
	}
	pub, err := kem.Scheme().UnmarshalBinaryPublicKey(recipientPublicRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: unmarshal hpke public key: %w", err)
	}
	suite, err := hpkeSuite(cs)
	if err != nil {
		return nil, nil, err
	}
	sender, err := suite.NewSender(pub, info)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: hpke new sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: hpke setup sender: %w", err)
	}
	ciphertext, err = sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: hpke seal: %w", err)
	}
	return enc, ciphertext, nil
}

// HPKEOpen reverses HPKESeal using the recipient's private key.
func HPKEOpen(cs Ciphersuite, recipientPrivateRaw, enc, info, aad, ciphertext []byte) ([]byte, error) {
	kem, err := kemForCiphersuite(cs)
	if err != nil {
		return nil, err
	}
	priv, err := kem.Scheme().UnmarshalBinaryPrivateKey(recipientPrivateRaw)
	if err != nil {
		return nil, fmt.Errorf("crypto: unmarshal hpke private key: %w", err)
	}
	suite, err := hpkeSuite(cs)
	if err != nil {
		return nil, err
	}
	receiver, err := suite.NewReceiver(priv, info)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke new receiver: %w", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke setup receiver: %w", err)
	}
	plaintext, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: hpke open: %w", err)
	}
	return plaintext, nil
}
