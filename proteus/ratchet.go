// Package proteus implements the Proteus pairwise session component (C6):
// one long-term identity keypair, a pool of offered prekeys, and an
// in-memory map of established double-ratchet sessions, all persisted
// through the shared keystore. Grounded on the original's
// crypto/src/proteus/mod.rs (ProteusCentral) and driven by
// github.com/ericlagergren/dr, a general Double Ratchet engine.
package proteus

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ericlagergren/dr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	rootInfo  = "proteus-root-ratchet"
	chainNext = 0x02
	chainMsg  = 0x01
)

// x25519Ratchet implements dr.Ratchet over X25519 Diffie-Hellman,
// HKDF-SHA256 root-chain derivation, an HMAC-SHA256 symmetric-key ratchet,
// and ChaCha20-Poly1305 message sealing.
type x25519Ratchet struct{}

var _ dr.Ratchet = x25519Ratchet{}

// Generate creates a new X25519 private scalar.
func (x25519Ratchet) Generate(rnd io.Reader) (dr.PrivateKey, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rnd, priv); err != nil {
		return nil, fmt.Errorf("proteus: generate ratchet key: %w", err)
	}
	return dr.PrivateKey(priv), nil
}

// Public derives the public half of priv.
func (x25519Ratchet) Public(priv dr.PrivateKey) dr.PublicKey {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		// Only malformed scalar lengths fail, and Generate never produces
		// one; a failure here means priv was corrupted in transit.
		panic(fmt.Sprintf("proteus: derive public key: %v", err))
	}
	return dr.PublicKey(pub)
}

// DH computes the X25519 shared secret between priv and pub.
func (x25519Ratchet) DH(priv dr.PrivateKey, pub dr.PublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("proteus: diffie-hellman: %w", err)
	}
	return shared, nil
}

// KDFrk advances the root chain: HKDF-SHA256 keyed by rk over the DH
// output, split into a fresh (root key, chain key) pair.
func (x25519Ratchet) KDFrk(rk dr.RootKey, dhOut []byte) (dr.RootKey, dr.ChainKey) {
	out := make([]byte, 64)
	r := hkdf.New(sha256.New, dhOut, []byte(rk), []byte(rootInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("proteus: root chain kdf: %v", err))
	}
	return dr.RootKey(out[:32]), dr.ChainKey(out[32:])
}

// KDFck advances the symmetric-key ratchet one step: HMAC-SHA256(ck, 0x02)
// becomes the next chain key, HMAC-SHA256(ck, 0x01) becomes the message
// key, matching the whitepaper's recommended construction.
func (x25519Ratchet) KDFck(ck dr.ChainKey) (dr.ChainKey, dr.MessageKey) {
	nextCK := hmacSum(ck, []byte{chainNext})
	mk := hmacSum(ck, []byte{chainMsg})
	return dr.ChainKey(nextCK), dr.MessageKey(mk)
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// Seal encrypts plaintext under key with ChaCha20-Poly1305. Each message
// key is used exactly once, so a fixed all-zero nonce is safe (dr's own
// doc lists this as one of the supported nonce strategies).
func (x25519Ratchet) Seal(key dr.MessageKey, plaintext, additionalData []byte) []byte {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic(fmt.Sprintf("proteus: seal: %v", err))
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, plaintext, additionalData)
}

// Open decrypts ciphertext under key.
func (x25519Ratchet) Open(key dr.MessageKey, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("proteus: open: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("proteus: decryption failed: %w", err)
	}
	return plaintext, nil
}

// Header builds the per-message header carrying the sender's current
// ratchet public key.
func (r x25519Ratchet) Header(priv dr.PrivateKey, prevChainLength, messageNum int) dr.Header {
	return dr.Header{
		PublicKey: r.Public(priv),
		PN:        prevChainLength,
		N:         messageNum,
	}
}

// Concat uses dr's default additional-data/header concatenation.
func (x25519Ratchet) Concat(additionalData []byte, h dr.Header) []byte {
	return dr.Concat(additionalData, h)
}

// genX25519KeyPair generates a fresh X25519 keypair using crypto/rand,
// shared by identity and prekey generation.
func genX25519KeyPair() (priv, pub []byte, err error) {
	var r x25519Ratchet
	p, err := r.Generate(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return p, r.Public(p), nil
}
