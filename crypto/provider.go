package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/e2eicore/corecrypto/keystore"
)

// Provider is the crypto-provider façade (C2): it owns no state beyond a
// keystore handle, and its only non-trivial responsibility is routing the
// mls engine's own key-storage callbacks (HPKE init keys, leaf encryption
// keys) into the corecrypto keystore under the right EntityKind, so that
// every private key corecrypto ever generates lands in one encrypted-at-rest
// store rather than two.
type Provider struct {
	store keystore.Store
}

// NewProvider binds a Provider to an already-open Store.
func NewProvider(store keystore.Store) *Provider {
	return &Provider{store: store}
}

// RandomBytes returns n cryptographically random bytes, the same entropy
// source the mls engine and the Proteus ratchet use for nonces and
// ephemeral keys.
func (p *Provider) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return buf, nil
}

// Hash computes SHA-256, used for KeyPackage reference hashes.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HKDFExtractExpand runs HKDF-SHA256 with the given salt/info and returns
// outLen derived bytes. Shared by the keystore's key derivation, Proteus's
// root/chain-key derivation, and the MLS export-secret plumbing.
func HKDFExtractExpand(secret, salt, info []byte, outLen int) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return out, nil
}

// StoreHPKEPrivateKey persists an HPKE private key under its public key
// reference, the storage callback the mls engine invokes when it generates
// a KeyPackage's init_key or a leaf's encryption key.
func (p *Provider) StoreHPKEPrivateKey(ctx context.Context, publicKey, privateKey []byte) error {
	return p.store.Save(ctx, keystore.Raw{
		EntityKind: keystore.KindMlsHpkePrivateKey,
		Key:        publicKey,
		Payload:    privateKey,
	})
}

// LoadHPKEPrivateKey is the corresponding read-side storage callback.
func (p *Provider) LoadHPKEPrivateKey(ctx context.Context, publicKey []byte) ([]byte, error) {
	return p.store.Find(ctx, keystore.KindMlsHpkePrivateKey, publicKey)
}

// DeleteHPKEPrivateKey removes a consumed init key, called once a
// KeyPackage's welcome has been processed and the key will never be needed
// again (MLS forward secrecy for the welcome path).
func (p *Provider) DeleteHPKEPrivateKey(ctx context.Context, publicKey []byte) error {
	return p.store.Delete(ctx, keystore.KindMlsHpkePrivateKey, publicKey)
}
