// Package central implements the MLS central component (C5): the group
// store and lifecycle operations layered over package mls's per-group state
// machines, grounded on the original implementation's
// crypto/src/mls/mod.rs (MlsCentral).
package central

import (
	"context"
	"fmt"
	"strings"
	"sync"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
	"github.com/e2eicore/corecrypto/coreerr"
	"github.com/e2eicore/corecrypto/identity"
	"github.com/e2eicore/corecrypto/keystore"
	"github.com/e2eicore/corecrypto/mls"

	"github.com/e2eicore/corecrypto/corelog"
)

// Configuration is the external entry point's construction parameters,
// field-for-field the spec's Configuration (§6).
type Configuration struct {
	StorePath       string
	IdentityKey     []byte
	ClientID        identity.ClientID
	Ciphersuites    []corecrypto.Ciphersuite
	ExternalEntropy []byte
	InMemory        bool
}

// Validate checks the configuration the way MlsCentralConfiguration::try_new
// does: empty or all-whitespace StorePath/IdentityKey are rejected, and a
// too-short ExternalEntropy is rejected (callers that don't want extra
// entropy should omit the field rather than pass a short one).
func (c Configuration) Validate() error {
	if !c.InMemory && strings.TrimSpace(c.StorePath) == "" {
		return coreerr.New(coreerr.MalformedIdentifier, "store_path")
	}
	if strings.TrimSpace(string(c.IdentityKey)) == "" {
		return coreerr.New(coreerr.MalformedIdentifier, "identity_key")
	}
	if len(c.ExternalEntropy) > 0 && len(c.ExternalEntropy) < 32 {
		return coreerr.New(coreerr.MalformedIdentifier, "external_entropy")
	}
	return nil
}

// Callbacks authorizes external-commit joins (spec §4.4.3).
type Callbacks interface {
	ClientIsExistingGroupUser(identity []byte) bool
	UserAuthorize(identity []byte) bool
}

type groupHandle struct {
	mu   sync.RWMutex
	conv *mls.Conversation
}

// Central owns the group store, the client identity, and the callbacks
// used to authorize external commits, matching the original's MlsCentral.
type Central struct {
	cfg       Configuration
	store     keystore.Store
	provider  *corecrypto.Provider
	client    *identity.Client
	callbacks Callbacks

	groupsMu sync.RWMutex
	groups   map[string]*groupHandle
}

// New opens (or creates) the backing store at cfg.StorePath, restores any
// previously persisted conversations, and returns a ready Central. It does
// NOT initialize a client identity; call Init or InitWithExternalKeypair
// first.
func New(ctx context.Context, cfg Configuration) (*Central, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := corelog.New("central", "New")

	var store keystore.Store
	var err error
	if cfg.InMemory {
		store, err = keystore.OpenMemStore(cfg.IdentityKey)
	} else {
		store, err = keystore.OpenSQLStore(cfg.StorePath, cfg.IdentityKey)
	}
	if err != nil {
		return nil, fmt.Errorf("central: open store: %w", err)
	}

	c := &Central{
		cfg:      cfg,
		store:    store,
		provider: corecrypto.NewProvider(store),
		groups:   make(map[string]*groupHandle),
	}

	if err := c.restoreGroups(ctx); err != nil {
		store.Close()
		return nil, err
	}

	log.Info("central initialized")
	return c, nil
}

// NewInMemory is the in-memory convenience constructor tests use.
func NewInMemory(ctx context.Context, identityKey []byte, clientID identity.ClientID) (*Central, error) {
	return New(ctx, Configuration{
		InMemory:    true,
		IdentityKey: identityKey,
		ClientID:    clientID,
	})
}

// Init sets up the client identity immediately, generating its first
// credential bundle for the given ciphersuite. Returns an error if a client
// is already set (mirrors the original's mls_init, which refuses to
// overwrite an existing client).
func (c *Central) Init(ctx context.Context, clientID identity.ClientID, cs corecrypto.Ciphersuite) error {
	if c.client != nil {
		return fmt.Errorf("central: client already initialized")
	}
	client, err := identity.NewFromIdentifier(ctx, clientID, c.store, c.provider)
	if err != nil {
		return fmt.Errorf("central: init client: %w", err)
	}
	if _, err := client.NewBasicCredential(ctx, cs); err != nil {
		return fmt.Errorf("central: generate initial credential: %w", err)
	}
	c.client = client
	return nil
}

// GenerateKeypairs is the first phase of the externally-driven client-init
// flow (spec §4.3's two-phase init): it generates signature key material
// without yet binding a client id, returning the raw public key the host
// application registers with its backend. InitWithClientID completes the
// flow once the backend assigns an id.
func (c *Central) GenerateKeypairs(ctx context.Context, cs corecrypto.Ciphersuite) (*corecrypto.SignatureKeyPair, error) {
	return corecrypto.GenerateSignatureKeyPair()
}

// InitWithClientID completes GenerateKeypairs's two-phase flow by binding
// the externally-assigned clientID to the already-generated signing key.
func (c *Central) InitWithClientID(ctx context.Context, clientID identity.ClientID, sig *corecrypto.SignatureKeyPair, cs corecrypto.Ciphersuite) error {
	if c.client != nil {
		return fmt.Errorf("central: client already initialized")
	}
	client, err := identity.NewFromIdentifier(ctx, clientID, c.store, c.provider)
	if err != nil {
		return fmt.Errorf("central: init client: %w", err)
	}
	if _, err := client.BindBasicBundle(ctx, cs, sig); err != nil {
		return fmt.Errorf("central: bind client id: %w", err)
	}
	c.client = client
	return nil
}

// SetCallbacks installs the external-commit authorization callbacks.
func (c *Central) SetCallbacks(cb Callbacks) { c.callbacks = cb }

// ClientPublicKey returns the current client's most recent signature public
// key for cs, or an error if no client/credential exists yet.
func (c *Central) ClientPublicKey(cs corecrypto.Ciphersuite) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("central: client not initialized")
	}
	bundle, err := c.client.MostRecentBundle(cs, identity.CredentialBasic)
	if err != nil {
		return nil, err
	}
	return bundle.Signature.Public, nil
}

// ClientID returns the current client's id.
func (c *Central) ClientID() identity.ClientID {
	if c.client == nil {
		return nil
	}
	return c.client.ID()
}

// GetOrCreateClientKeyPackages tops up and returns n KeyPackages for cs.
func (c *Central) GetOrCreateClientKeyPackages(ctx context.Context, n int, cs corecrypto.Ciphersuite) ([]identity.KeyPackage, error) {
	if c.client == nil {
		return nil, fmt.Errorf("central: client not initialized")
	}
	return c.client.RequestKeyPackages(ctx, n, cs, identity.CredentialBasic)
}

// ClientValidKeyPackagesCount reports the number of unexpired KeyPackages
// remaining in the pool.
func (c *Central) ClientValidKeyPackagesCount(ctx context.Context) (int, error) {
	if c.client == nil {
		return 0, fmt.Errorf("central: client not initialized")
	}
	return c.client.CountValidKeyPackages(ctx)
}

// RandomBytes passes through to the crypto provider's entropy source.
func (c *Central) RandomBytes(n int) ([]byte, error) { return c.provider.RandomBytes(n) }

// Close releases the store, wiping the at-rest encryption key from memory.
func (c *Central) Close() error { return c.store.Close() }

// Wipe irrecoverably deletes every persisted row.
func (c *Central) Wipe(ctx context.Context) error { return c.store.Wipe(ctx) }

func groupKey(id mls.ConversationID) string { return string(id) }
