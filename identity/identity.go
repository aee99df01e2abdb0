// Package identity implements the client identity component (C3): the pool
// of credential bundles and key packages a client offers to the network.
// It owns no group state; that belongs to package mls and package central.
package identity

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
	"github.com/e2eicore/corecrypto/coreerr"
	"github.com/e2eicore/corecrypto/keystore"
)

// ClientID uniquely names a client within a backend; it is opaque to
// corecrypto and supplied by the caller (typically a (user, device) pair
// encoded by the host application).
type ClientID []byte

// CredentialType is a tagged variant over the two credential kinds the spec
// recognizes, preferred over subtype polymorphism per the spec's design
// notes.
type CredentialType uint8

const (
	CredentialBasic CredentialType = iota
	CredentialX509
)

func (t CredentialType) String() string {
	if t == CredentialX509 {
		return "x509"
	}
	return "basic"
}

// CredentialBundle is one generated (ciphersuite, type) signing identity,
// the thing the mls engine signs leaf nodes and handshake messages with.
type CredentialBundle struct {
	Ciphersuite      corecrypto.Ciphersuite
	Type             CredentialType
	Signature        *corecrypto.SignatureKeyPair
	CertificateChain [][]byte // populated only for CredentialX509, leaf-first
	CreatedAt        time.Time
}

type bundleRecord struct {
	Ciphersuite      corecrypto.Ciphersuite
	Type             CredentialType
	PrivateKeySeed   []byte
	PublicKey        []byte
	CertificateChain [][]byte
	CreatedAtUnix    int64
}

type bundleKey struct {
	cs   corecrypto.Ciphersuite
	kind CredentialType
}

// Client owns every credential bundle and key package generated for one
// ClientID, matching spec §4.3's per-client pool.
type Client struct {
	mu       sync.RWMutex
	id       ClientID
	store    keystore.Store
	provider *corecrypto.Provider
	bundles  map[bundleKey][]*CredentialBundle
	now      func() time.Time
}

// NewFromIdentifier loads (or, on first use, creates) the client identified
// by id, restoring any previously persisted credential bundles from store.
func NewFromIdentifier(ctx context.Context, id ClientID, store keystore.Store, provider *corecrypto.Provider) (*Client, error) {
	c := &Client{
		id:       id,
		store:    store,
		provider: provider,
		bundles:  make(map[bundleKey][]*CredentialBundle),
		now:      time.Now,
	}
	if err := c.restore(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) restore(ctx context.Context) error {
	rows, err := c.store.FindAll(ctx, keystore.KindMlsCredential, keystore.FindParams{})
	if err != nil {
		return fmt.Errorf("identity: restore credentials: %w", err)
	}
	for _, row := range rows {
		var rec bundleRecord
		if err := gob.NewDecoder(bytes.NewReader(row)).Decode(&rec); err != nil {
			return fmt.Errorf("identity: decode credential bundle: %w", err)
		}
		bundle, err := bundleFromRecord(rec)
		if err != nil {
			return err
		}
		key := bundleKey{cs: rec.Ciphersuite, kind: rec.Type}
		c.bundles[key] = append(c.bundles[key], bundle)
	}
	return nil
}

func bundleFromRecord(rec bundleRecord) (*CredentialBundle, error) {
	var seed [32]byte
	copy(seed[:], rec.PrivateKeySeed)
	sig, err := corecrypto.SignatureKeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("identity: restore signature key: %w", err)
	}
	return &CredentialBundle{
		Ciphersuite:      rec.Ciphersuite,
		Type:             rec.Type,
		Signature:        sig,
		CertificateChain: rec.CertificateChain,
		CreatedAt:        time.Unix(rec.CreatedAtUnix, 0),
	}, nil
}

// ID returns the client's identifier.
func (c *Client) ID() ClientID { return c.id }

// NewBasicCredential generates and persists a new Basic credential bundle
// for the given ciphersuite.
func (c *Client) NewBasicCredential(ctx context.Context, cs corecrypto.Ciphersuite) (*CredentialBundle, error) {
	return c.newCredential(ctx, cs, CredentialBasic, nil)
}

// BindBasicBundle persists a Basic credential bundle around a signing key
// generated outside the normal NewBasicCredential flow (the two-phase
// externally-driven client-init path: GenerateKeypairs then
// InitWithClientID once the backend assigns a client id).
func (c *Client) BindBasicBundle(ctx context.Context, cs corecrypto.Ciphersuite, sig *corecrypto.SignatureKeyPair) (*CredentialBundle, error) {
	bundle := &CredentialBundle{
		Ciphersuite: cs,
		Type:        CredentialBasic,
		Signature:   sig,
		CreatedAt:   c.now(),
	}
	if err := c.persist(ctx, bundle); err != nil {
		return nil, err
	}
	c.mu.Lock()
	key := bundleKey{cs: cs, kind: CredentialBasic}
	c.bundles[key] = append(c.bundles[key], bundle)
	c.mu.Unlock()
	return bundle, nil
}

// BindX509Bundle persists a bundle whose certificate chain was produced by
// package e2ei's ACME enrollment flow, binding it to sig (the signing key
// the enrollment CSR was generated for).
func (c *Client) BindX509Bundle(ctx context.Context, cs corecrypto.Ciphersuite, sig *corecrypto.SignatureKeyPair, chain [][]byte) (*CredentialBundle, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("identity: x509 bundle requires a non-empty certificate chain")
	}
	bundle := &CredentialBundle{
		Ciphersuite:      cs,
		Type:             CredentialX509,
		Signature:        sig,
		CertificateChain: chain,
		CreatedAt:        c.now(),
	}
	if err := c.persist(ctx, bundle); err != nil {
		return nil, err
	}
	c.mu.Lock()
	key := bundleKey{cs: cs, kind: CredentialX509}
	c.bundles[key] = append(c.bundles[key], bundle)
	c.mu.Unlock()
	return bundle, nil
}

func (c *Client) newCredential(ctx context.Context, cs corecrypto.Ciphersuite, kind CredentialType, chain [][]byte) (*CredentialBundle, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	sig, err := corecrypto.GenerateSignatureKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate credential: %w", err)
	}
	bundle := &CredentialBundle{
		Ciphersuite: cs,
		Type:        kind,
		Signature:   sig,
		CreatedAt:   c.now(),
	}
	if err := c.persist(ctx, bundle); err != nil {
		return nil, err
	}
	c.mu.Lock()
	key := bundleKey{cs: cs, kind: kind}
	c.bundles[key] = append(c.bundles[key], bundle)
	c.mu.Unlock()
	return bundle, nil
}

func (c *Client) persist(ctx context.Context, bundle *CredentialBundle) error {
	rec := bundleRecord{
		Ciphersuite:      bundle.Ciphersuite,
		Type:             bundle.Type,
		PrivateKeySeed:   bundle.Signature.Private.Seed(),
		PublicKey:        bundle.Signature.Public,
		CertificateChain: bundle.CertificateChain,
		CreatedAtUnix:    bundle.CreatedAt.Unix(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("identity: encode credential bundle: %w", err)
	}
	return c.store.Save(ctx, keystore.Raw{
		EntityKind: keystore.KindMlsCredential,
		Key:        bundle.Signature.Public,
		Payload:    buf.Bytes(),
	})
}

// MostRecentBundle returns the most recently created bundle for (cs, kind),
// the tie-break the spec names when several bundles exist.
func (c *Client) MostRecentBundle(cs corecrypto.Ciphersuite, kind CredentialType) (*CredentialBundle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bundles := c.bundles[bundleKey{cs: cs, kind: kind}]
	if len(bundles) == 0 {
		return nil, coreerr.New(coreerr.NoCredentialForCiphersuite, "MostRecentBundle")
	}
	sorted := append([]*CredentialBundle(nil), bundles...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return bytes.Compare(sorted[i].Signature.Public, sorted[j].Signature.Public) < 0
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[0], nil
}

// BundleByPublicKey finds the bundle whose signature public key matches pub.
func (c *Client) BundleByPublicKey(pub []byte) (*CredentialBundle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, bundles := range c.bundles {
		for _, b := range bundles {
			if bytes.Equal(b.Signature.Public, pub) {
				return b, nil
			}
		}
	}
	return nil, coreerr.New(coreerr.NoCredentialForCiphersuite, "BundleByPublicKey")
}

// CredentialIdentity returns the wire identity a KeyPackage or leaf node is
// built around for bundle: the leaf certificate's DER encoding for an X.509
// credential, or the raw Ed25519 signature public key for a Basic one.
func CredentialIdentity(bundle *CredentialBundle) []byte {
	if bundle.Type == CredentialX509 && len(bundle.CertificateChain) > 0 {
		return bundle.CertificateChain[0]
	}
	return []byte(bundle.Signature.Public)
}
