package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
	"github.com/e2eicore/corecrypto/coreerr"
	"github.com/e2eicore/corecrypto/keystore"
)

// KeyPackageLifetime bounds how long an offered KeyPackage remains usable
// before it is pruned and replaced, matching the spec's retention rule.
const KeyPackageLifetime = 90 * 24 * time.Hour

// KeyPackage is the public, shareable record a client publishes so that it
// can be added to a group: its leaf credential identity, the HPKE
// encryption key a Welcome is sealed against, and a self-signature binding
// the two together. corecrypto owns this wire format itself (package mls
// never re-implements a second one) since no published Go library
// implements RFC 9420's KeyPackage codec — see DESIGN.md's "in-house MLS
// engine" entry.
type KeyPackage struct {
	Ciphersuite    corecrypto.Ciphersuite
	CredentialType CredentialType
	Identity       []byte // leaf cert DER (X509) or raw Ed25519 public key (Basic)
	SignatureKey   ed25519.PublicKey
	HPKEPublicKey  []byte
	Signature      []byte
}

// keyPackageTBS is the portion of a KeyPackage the leaf signature covers.
type keyPackageTBS struct {
	Ciphersuite    corecrypto.Ciphersuite
	CredentialType CredentialType
	Identity       []byte
	SignatureKey   ed25519.PublicKey
	HPKEPublicKey  []byte
}

func (kp KeyPackage) tbs() keyPackageTBS {
	return keyPackageTBS{
		Ciphersuite:    kp.Ciphersuite,
		CredentialType: kp.CredentialType,
		Identity:       kp.Identity,
		SignatureKey:   kp.SignatureKey,
		HPKEPublicKey:  kp.HPKEPublicKey,
	}
}

// Verify checks the KeyPackage's self-signature.
func (kp KeyPackage) Verify() error {
	tbsBytes, err := encodeGob(kp.tbs())
	if err != nil {
		return err
	}
	if !corecrypto.Verify(kp.SignatureKey, tbsBytes, kp.Signature) {
		return fmt.Errorf("identity: key package signature verification failed")
	}
	return nil
}

// Reference is the content-addressed hash a Welcome or Add proposal uses to
// name one specific KeyPackage.
func (kp KeyPackage) Reference() ([32]byte, error) {
	encoded, err := kp.Marshal()
	if err != nil {
		return [32]byte{}, err
	}
	return corecrypto.Hash(encoded), nil
}

// Marshal gob-encodes the KeyPackage for wire transport or storage.
func (kp KeyPackage) Marshal() ([]byte, error) { return encodeGob(kp) }

// UnmarshalKeyPackage reverses Marshal.
func UnmarshalKeyPackage(data []byte) (KeyPackage, error) {
	var kp KeyPackage
	err := decodeGob(data, &kp)
	return kp, err
}

// KeyPairPackage pairs a public KeyPackage with the HPKE private key that
// decrypts Welcomes sealed to it, and the credential signing key it was
// issued under. The private halves never leave the client that generated
// them; neither is ever marshaled onto the wire (KeyPairPackage itself is
// never gob-encoded — only its Public field is).
type KeyPairPackage struct {
	Public              KeyPackage
	HPKEPrivateKey      []byte
	SignaturePrivateKey ed25519.PrivateKey
}

// GenerateKeyPairPackage builds a fresh KeyPackage for bundle, generating a
// new HPKE encapsulation keypair (never reused across packages) and signing
// it with bundle's credential signing key.
func GenerateKeyPairPackage(cs corecrypto.Ciphersuite, bundle *CredentialBundle) (*KeyPairPackage, error) {
	hpkeKeys, err := corecrypto.GenerateHPKEKeyPair(cs)
	if err != nil {
		return nil, fmt.Errorf("identity: generate hpke key pair: %w", err)
	}

	kp := KeyPackage{
		Ciphersuite:    cs,
		CredentialType: bundle.Type,
		Identity:       CredentialIdentity(bundle),
		SignatureKey:   bundle.Signature.Public,
		HPKEPublicKey:  hpkeKeys.PublicRaw,
	}
	tbsBytes, err := encodeGob(kp.tbs())
	if err != nil {
		return nil, err
	}
	kp.Signature = corecrypto.Sign(bundle.Signature.Private, tbsBytes)

	return &KeyPairPackage{Public: kp, HPKEPrivateKey: hpkeKeys.PrivateRaw, SignaturePrivateKey: bundle.Signature.Private}, nil
}

// storedKeyPackage is the gob-encoded payload behind a KindMlsKeyPackage
// row: the marshaled KeyPackage plus the bookkeeping corecrypto needs to
// prune it (reference hash, expiry). The HPKE private key is stored
// separately, under KindMlsHpkePrivateKey, keyed by the public key — the
// same partitioning package crypto's Provider already uses for the mls
// engine's HPKE key storage callbacks.
type storedKeyPackage struct {
	Reference []byte
	Encoded   []byte
	ExpiresAt int64
}

// RequestKeyPackages tops up the client's offered pool to n unused
// KeyPackages for (cs, kind), pruning anything past KeyPackageLifetime
// first. Each KeyPackage's HPKE init key is generated fresh (never reused
// across packages) and its private half is routed through the crypto
// provider into the keystore.
func (c *Client) RequestKeyPackages(ctx context.Context, n int, cs corecrypto.Ciphersuite, kind CredentialType) ([]KeyPackage, error) {
	if err := c.pruneExpired(ctx, cs, kind); err != nil {
		return nil, err
	}

	bundle, err := c.MostRecentBundle(cs, kind)
	if err != nil {
		return nil, err
	}

	existing, err := c.loadKeyPackages(ctx)
	if err != nil {
		return nil, err
	}
	need := n - len(existing)
	if need <= 0 {
		out := make([]KeyPackage, 0, n)
		for i := 0; i < n && i < len(existing); i++ {
			kp, err := UnmarshalKeyPackage(existing[i].Encoded)
			if err != nil {
				return nil, fmt.Errorf("identity: unmarshal key package: %w", err)
			}
			out = append(out, kp)
		}
		return out, nil
	}

	out := make([]KeyPackage, 0, n)
	err = c.store.Transaction(ctx, func(ctx context.Context, tx keystore.Store) error {
		for i := 0; i < need; i++ {
			kpp, err := GenerateKeyPairPackage(cs, bundle)
			if err != nil {
				return fmt.Errorf("identity: generate key package: %w", err)
			}
			encoded, err := kpp.Public.Marshal()
			if err != nil {
				return fmt.Errorf("identity: marshal key package: %w", err)
			}
			ref, err := kpp.Public.Reference()
			if err != nil {
				return err
			}
			if err := c.provider.StoreHPKEPrivateKey(ctx, kpp.Public.HPKEPublicKey, kpp.HPKEPrivateKey); err != nil {
				return fmt.Errorf("identity: persist init key: %w", err)
			}
			stored := storedKeyPackage{
				Reference: ref[:],
				Encoded:   encoded,
				ExpiresAt: c.now().Add(KeyPackageLifetime).Unix(),
			}
			payload, err := encodeGob(stored)
			if err != nil {
				return err
			}
			if err := tx.Save(ctx, keystore.Raw{
				EntityKind: keystore.KindMlsKeyPackage,
				Key:        ref[:],
				Payload:    payload,
			}); err != nil {
				return err
			}
			out = append(out, kpp.Public)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, kp := range existing {
		unmarshaled, err := UnmarshalKeyPackage(kp.Encoded)
		if err != nil {
			return nil, fmt.Errorf("identity: unmarshal key package: %w", err)
		}
		out = append(out, unmarshaled)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// CountValidKeyPackages reports how many unexpired KeyPackages remain in
// the pool.
func (c *Client) CountValidKeyPackages(ctx context.Context) (int, error) {
	existing, err := c.loadKeyPackages(ctx)
	if err != nil {
		return 0, err
	}
	return len(existing), nil
}

// FindKeyPackageByReference looks up one of this client's own unconsumed
// KeyPackages by its reference hash, reconstructing the full KeyPairPackage
// (including its HPKE private key) from the keystore. It returns
// coreerr.KeyPackageConsumedOrExpired if no matching, unexpired KeyPackage
// is found — the from_welcome path's required failure mode (spec §4.4.2)
// for a Welcome that targets a KeyPackage this client never published, or
// already consumed.
func (c *Client) FindKeyPackageByReference(ctx context.Context, reference []byte) (*KeyPairPackage, error) {
	row, err := c.store.Find(ctx, keystore.KindMlsKeyPackage, reference)
	if err != nil {
		return nil, coreerr.New(coreerr.KeyPackageConsumedOrExpired, "FindKeyPackageByReference")
	}
	var stored storedKeyPackage
	if err := decodeGob(row, &stored); err != nil {
		return nil, err
	}
	if stored.ExpiresAt <= c.now().Unix() {
		return nil, coreerr.New(coreerr.KeyPackageConsumedOrExpired, "FindKeyPackageByReference")
	}
	kp, err := UnmarshalKeyPackage(stored.Encoded)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal key package: %w", err)
	}
	priv, err := c.provider.LoadHPKEPrivateKey(ctx, kp.HPKEPublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: load hpke private key: %w", err)
	}
	return &KeyPairPackage{Public: kp, HPKEPrivateKey: priv}, nil
}

// ConsumeKeyPackages deletes the named KeyPackages (by reference) from this
// client's offered pool, along with their HPKE private keys — called once a
// Welcome or commit has consumed them and they will never be reused (spec
// §4.4.2/§4.4.3's "the key package used is consumed"). References that
// don't match any row in this client's pool are silently ignored: a commit
// routinely names KeyPackages belonging to other clients.
func (c *Client) ConsumeKeyPackages(ctx context.Context, references [][]byte) error {
	var toDelete [][]byte
	var hpkePublics [][]byte
	for _, ref := range references {
		row, err := c.store.Find(ctx, keystore.KindMlsKeyPackage, ref)
		if err != nil {
			continue
		}
		var stored storedKeyPackage
		if err := decodeGob(row, &stored); err != nil {
			return err
		}
		kp, err := UnmarshalKeyPackage(stored.Encoded)
		if err != nil {
			return fmt.Errorf("identity: unmarshal key package: %w", err)
		}
		toDelete = append(toDelete, ref)
		hpkePublics = append(hpkePublics, kp.HPKEPublicKey)
	}
	if len(toDelete) == 0 {
		return nil
	}
	if err := c.store.DeleteMany(ctx, keystore.KindMlsKeyPackage, toDelete); err != nil {
		return fmt.Errorf("identity: consume key packages: %w", err)
	}
	for _, pub := range hpkePublics {
		if err := c.provider.DeleteHPKEPrivateKey(ctx, pub); err != nil {
			return fmt.Errorf("identity: delete consumed hpke private key: %w", err)
		}
	}
	return nil
}

func (c *Client) loadKeyPackages(ctx context.Context) ([]storedKeyPackage, error) {
	rows, err := c.store.FindAll(ctx, keystore.KindMlsKeyPackage, keystore.FindParams{})
	if err != nil {
		return nil, fmt.Errorf("identity: load key packages: %w", err)
	}
	now := c.now().Unix()
	var out []storedKeyPackage
	for _, row := range rows {
		var stored storedKeyPackage
		if err := decodeGob(row, &stored); err != nil {
			return nil, err
		}
		if stored.ExpiresAt > now {
			out = append(out, stored)
		}
	}
	return out, nil
}

func (c *Client) pruneExpired(ctx context.Context, cs corecrypto.Ciphersuite, kind CredentialType) error {
	rows, err := c.store.FindAll(ctx, keystore.KindMlsKeyPackage, keystore.FindParams{})
	if err != nil {
		return fmt.Errorf("identity: load key packages: %w", err)
	}
	now := c.now().Unix()
	var expired [][]byte
	for _, row := range rows {
		var stored storedKeyPackage
		if err := decodeGob(row, &stored); err != nil {
			return err
		}
		if stored.ExpiresAt <= now {
			expired = append(expired, stored.Reference)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	return c.store.DeleteMany(ctx, keystore.KindMlsKeyPackage, expired)
}
