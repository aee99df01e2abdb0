package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// aeadKeySize returns the symmetric key length, in bytes, a ciphersuite's
// declared AEAD algorithm uses. Both algorithms corecrypto supports take a
// 256-bit key regardless of the "128"/"256" label in the ciphersuite name —
// that label describes the overall security level (driven by the KEM/hash),
// not the AEAD key length.
func aeadKeySize(cs Ciphersuite) (int, error) {
	switch cs {
	case Ciphersuite128X25519Aes128GcmSha256Ed25519, Ciphersuite256X448Aes256GcmSha512Ed448:
		return 16, nil
	case Ciphersuite128X25519Chacha20Sha256Ed25519:
		return chacha20poly1305.KeySize, nil
	default:
		return 0, fmt.Errorf("crypto: no AEAD mapped for %s", cs)
	}
}

// AEADKeySize is the exported form of aeadKeySize, used by callers deriving
// epoch and message keys sized for a specific ciphersuite's AEAD.
func AEADKeySize(cs Ciphersuite) (int, error) { return aeadKeySize(cs) }

func newAEAD(cs Ciphersuite, key []byte) (cipher.AEAD, error) {
	switch cs {
	case Ciphersuite128X25519Aes128GcmSha256Ed25519, Ciphersuite256X448Aes256GcmSha512Ed448:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case Ciphersuite128X25519Chacha20Sha256Ed25519:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("crypto: no AEAD mapped for %s", cs)
	}
}

// AEADSeal encrypts plaintext under key/nonce for the ciphersuite's declared
// AEAD, binding aad as associated data. key must be AEADKeySize(cs) bytes
// and nonce must be the AEAD's NonceSize (12 bytes for every ciphersuite
// corecrypto supports).
func AEADSeal(cs Ciphersuite, key, nonce, aad, plaintext []byte) ([]byte, error) {
	a, err := newAEAD(cs, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != a.NonceSize() {
		return nil, fmt.Errorf("crypto: aead seal: nonce must be %d bytes", a.NonceSize())
	}
	return a.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts ciphertext sealed by AEADSeal with the same key/nonce/aad.
func AEADOpen(cs Ciphersuite, key, nonce, aad, ciphertext []byte) ([]byte, error) {
	a, err := newAEAD(cs, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != a.NonceSize() {
		return nil, fmt.Errorf("crypto: aead open: nonce must be %d bytes", a.NonceSize())
	}
	return a.Open(nil, nonce, ciphertext, aad)
}

// AEADNonceSize is 12 for every ciphersuite corecrypto supports (both AES-GCM
// and ChaCha20-Poly1305 use 96-bit nonces).
const AEADNonceSize = 12
