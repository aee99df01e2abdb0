// Package crypto is the corecrypto crypto provider (C2): the thin layer
// around signatures, HPKE, AEAD and key derivation that every other package
// builds on. HPKE key generation and the seal/open operations built on it
// (hpke.go) are backed directly by github.com/cloudflare/circl, the same
// KEM/HPKE implementation the wider Go MLS ecosystem uses; package mls calls
// into this layer rather than reimplementing public-key crypto itself. What
// this file owns is signature-keypair generation and secure-memory hygiene,
// grounded on the teacher's NaCl keypair handling (crypto/keypair.go).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/sirupsen/logrus"
)

// SignatureKeyPair is a leaf credential's Ed25519 signing key, used to sign
// MLS handshake messages and, for X509 credentials, as the key the ACME
// enrollment in package e2ei binds a certificate to.
type SignatureKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSignatureKeyPair creates a new random Ed25519 signing key.
func GenerateSignatureKeyPair() (*SignatureKeyPair, error) {
	l := log("GenerateSignatureKeyPair")
	l.Entry("generating new Ed25519 signature key pair")
	defer l.Exit()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		l.WithError(err, "key_generation_failed", "ed25519.GenerateKey").Error("failed to generate signature key pair")
		return nil, fmt.Errorf("crypto: generate signature keypair: %w", err)
	}

	l.WithFields(logrus.Fields{
		"crypto_lib":         "crypto/ed25519",
		"public_key_preview": previewHex(pub),
	}).Info("signature key pair generated")

	return &SignatureKeyPair{Public: pub, Private: priv}, nil
}

// SignatureKeyPairFromSeed derives a signature key pair from a 32-byte seed,
// e.g. one recovered from the keystore. Grounded on the teacher's
// FromSecretKey: the seed is never mutated, and the scratch copy is wiped.
func SignatureKeyPairFromSeed(seed [32]byte) (*SignatureKeyPair, error) {
	l := log("SignatureKeyPairFromSeed")
	l.Entry("deriving signature key pair from seed")
	defer l.Exit()

	if isZero(seed[:]) {
		err := errors.New("seed must not be all zeros")
		l.WithError(err, "validation_failed", "seed_validation").Error("rejecting all-zero seed")
		return nil, err
	}

	seedCopy := make([]byte, 32)
	copy(seedCopy, seed[:])
	priv := ed25519.NewKeyFromSeed(seedCopy)
	pub := priv.Public().(ed25519.PublicKey)
	ZeroBytes(seedCopy)

	l.WithField("public_key_preview", previewHex(pub)).Debug("signature key pair derived")
	return &SignatureKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message with the signing key.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify checks a signature against a public key and message.
func Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(pub, message, signature)
}

// HPKEKeyPair is an HPKE encapsulation key pair used for a KeyPackage's
// init_key (MLS's welcome-encryption key) and for leaf encryption keys.
// Generation is delegated entirely to circl's HPKE KEM implementation, the
// same one the mls engine uses for its handshake and external-commit keys,
// so init keys and handshake keys are always interoperable.
type HPKEKeyPair struct {
	Suite      hpke.KEM
	PublicRaw  []byte
	PrivateRaw []byte
}

// kemForCiphersuite maps an MLS Ciphersuite to the circl HPKE KEM it uses.
func kemForCiphersuite(cs Ciphersuite) (hpke.KEM, error) {
	switch cs {
	case Ciphersuite128X25519Aes128GcmSha256Ed25519, Ciphersuite128X25519Chacha20Sha256Ed25519:
		return hpke.KEM_X25519_HKDF_SHA256, nil
	case Ciphersuite256X448Aes256GcmSha512Ed448:
		return hpke.KEM_X448_HKDF_SHA512, nil
	default:
		return 0, fmt.Errorf("crypto: no HPKE KEM mapped for %s", cs)
	}
}

// GenerateHPKEKeyPair creates a new HPKE key pair for the given ciphersuite.
func GenerateHPKEKeyPair(cs Ciphersuite) (*HPKEKeyPair, error) {
	l := log("GenerateHPKEKeyPair").WithField("ciphersuite", cs.String())
	l.Entry("generating HPKE key pair")
	defer l.Exit()

	if err := cs.Validate(); err != nil {
		return nil, err
	}
	kem, err := kemForCiphersuite(cs)
	if err != nil {
		return nil, err
	}

	pub, priv, err := kem.Scheme().GenerateKeyPair()
	if err != nil {
		l.WithError(err, "key_generation_failed", "hpke.KEM.GenerateKeyPair").Error("failed to generate HPKE key pair")
		return nil, fmt.Errorf("crypto: generate hpke keypair: %w", err)
	}
	pubRaw, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal hpke public key: %w", err)
	}
	privRaw, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal hpke private key: %w", err)
	}

	l.Info("HPKE key pair generated")
	return &HPKEKeyPair{Suite: kem, PublicRaw: pubRaw, PrivateRaw: privRaw}, nil
}

func isZero(b []byte) bool {
	var v byte
	for _, c := range b {
		v |= c
	}
	return v == 0
}

func previewHex(b []byte) string {
	if len(b) < 8 {
		return "nil"
	}
	return fmt.Sprintf("%x...", b[:8])
}
