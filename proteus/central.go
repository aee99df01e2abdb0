package proteus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/ericlagergren/dr"
	"golang.org/x/crypto/hkdf"

	"github.com/e2eicore/corecrypto/coreerr"
	"github.com/e2eicore/corecrypto/keystore"
)

const sharedSecretInfo = "proteus-x3dh-lite"

// Message is the wire envelope carried over Encrypt/Decrypt. PrekeyID and
// RemoteIdentityKey are populated only on the first message of a
// responder-side session, mirroring Signal's distinction between a
// "PreKeySignalMessage" and an ordinary ratchet message.
type Message struct {
	PrekeyID          *uint16
	RemoteIdentityKey []byte
	Ratchet           dr.Message
}

// Central is the Proteus pairwise-session component (C6): one long-term
// identity keypair and an in-memory map of established sessions, all
// persisted through the shared keystore.
type Central struct {
	mu             sync.RWMutex
	store          keystore.Store
	identityPublic []byte
	identityPriv   []byte
	sessions       map[string]*dr.Session
	stores         map[string]*keystoreStore
	pendingFirst   map[string]uint16 // sessionID -> prekey id, until the first Encrypt call consumes it
}

// NewCentral loads (or, on first use, creates) the local identity keypair
// and returns a ready Central with no sessions loaded; sessions hydrate
// lazily on first use via getSession.
func NewCentral(ctx context.Context, store keystore.Store) (*Central, error) {
	priv, pub, err := loadOrCreateIdentity(ctx, store)
	if err != nil {
		return nil, err
	}
	return &Central{
		store:          store,
		identityPriv:   priv,
		identityPublic: pub,
		sessions:       make(map[string]*dr.Session),
		stores:         make(map[string]*keystoreStore),
		pendingFirst:   make(map[string]uint16),
	}, nil
}

// FingerprintLocal returns the local identity's public key fingerprint
// (SHA-256 of the raw public key, hex-encoded by the caller as needed).
func (c *Central) FingerprintLocal() []byte {
	sum := sha256.Sum256(c.identityPublic)
	return sum[:]
}

// FingerprintRemote returns the fingerprint of the peer identity key bound
// to sessionID's session.
func (c *Central) FingerprintRemote(ctx context.Context, sessionID string) ([]byte, error) {
	ks, err := c.getKeystoreStore(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(ks.rec.State.DHr)
	return sum[:], nil
}

func deriveSharedSecret(dh1, dh2 []byte) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, append(append([]byte{}, dh1...), dh2...), nil, []byte(sharedSecretInfo))
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("proteus: derive shared secret: %w", err)
	}
	return out, nil
}

// SessionFromPrekeyBundle establishes a new session as the initiating
// party, given the remote peer's published PrekeyBundle.
func (c *Central) SessionFromPrekeyBundle(ctx context.Context, sessionID string, bundle PrekeyBundle) error {
	var r x25519Ratchet
	dh1, err := r.DH(dr.PrivateKey(c.identityPriv), dr.PublicKey(bundle.PrekeyPublic))
	if err != nil {
		return err
	}
	dh2, err := r.DH(dr.PrivateKey(c.identityPriv), dr.PublicKey(bundle.IdentityKey))
	if err != nil {
		return err
	}
	sk, err := deriveSharedSecret(dh1, dh2)
	if err != nil {
		return err
	}

	ks := newKeystoreStore(ctx, c.store, []byte(sessionID))
	sess, err := dr.NewSend(r, sk, dr.PublicKey(bundle.PrekeyPublic), dr.WithStore(ks))
	if err != nil {
		return fmt.Errorf("proteus: session from prekey bundle: %w", err)
	}

	c.mu.Lock()
	c.sessions[sessionID] = sess
	c.stores[sessionID] = ks
	c.pendingFirst[sessionID] = bundle.PrekeyID
	c.mu.Unlock()
	return nil
}

// SessionFromMessage establishes a new session as the responding party and
// immediately decrypts the first message, persisting the session on
// success (never before — a message that fails to decrypt leaves no
// session behind).
func (c *Central) SessionFromMessage(ctx context.Context, sessionID string, msg Message) ([]byte, error) {
	if msg.PrekeyID == nil || len(msg.RemoteIdentityKey) == 0 {
		return nil, fmt.Errorf("proteus: first message missing prekey id or remote identity")
	}
	prekeyPriv, err := c.consumePrekey(ctx, *msg.PrekeyID)
	if err != nil {
		return nil, err
	}

	var r x25519Ratchet
	dh1, err := r.DH(dr.PrivateKey(prekeyPriv), dr.PublicKey(msg.RemoteIdentityKey))
	if err != nil {
		return nil, err
	}
	dh2, err := r.DH(dr.PrivateKey(c.identityPriv), dr.PublicKey(msg.RemoteIdentityKey))
	if err != nil {
		return nil, err
	}
	sk, err := deriveSharedSecret(dh1, dh2)
	if err != nil {
		return nil, err
	}

	ks := newKeystoreStore(ctx, c.store, []byte(sessionID))
	sess, err := dr.NewRecv(r, sk, dr.PrivateKey(prekeyPriv), dr.WithStore(ks))
	if err != nil {
		return nil, fmt.Errorf("proteus: session from message: %w", err)
	}

	plaintext, err := sess.Open(msg.Ratchet, []byte(sessionID))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ProteusDecryptionFailure, "SessionFromMessage", err)
	}

	c.mu.Lock()
	c.sessions[sessionID] = sess
	c.stores[sessionID] = ks
	c.mu.Unlock()
	return plaintext, nil
}

// getSession returns the live session for sessionID, hydrating it from the
// keystore on first touch within this process.
func (c *Central) getSession(ctx context.Context, sessionID string) (*dr.Session, error) {
	c.mu.RLock()
	sess, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if ok {
		return sess, nil
	}

	ks, err := loadKeystoreStore(ctx, c.store, []byte(sessionID))
	if err != nil {
		return nil, coreerr.New(coreerr.ProteusSessionNotFound, "getSession")
	}
	state := ks.rec.State.Clone()
	sess, err = dr.Resume(x25519Ratchet{}, state, dr.WithStore(ks))
	if err != nil {
		return nil, fmt.Errorf("proteus: resume session: %w", err)
	}

	c.mu.Lock()
	c.sessions[sessionID] = sess
	c.stores[sessionID] = ks
	c.mu.Unlock()
	return sess, nil
}

func (c *Central) getKeystoreStore(ctx context.Context, sessionID string) (*keystoreStore, error) {
	if _, err := c.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stores[sessionID], nil
}

// Encrypt seals plaintext for sessionID.
func (c *Central) Encrypt(ctx context.Context, sessionID string, plaintext []byte) ([]byte, error) {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stores[sessionID].withContext(ctx)
	c.mu.Unlock()

	msg, err := sess.Seal(plaintext, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("proteus: encrypt: %w", err)
	}

	envelope := Message{Ratchet: msg}
	c.mu.Lock()
	if prekeyID, pending := c.pendingFirst[sessionID]; pending {
		id := prekeyID
		envelope.PrekeyID = &id
		envelope.RemoteIdentityKey = append([]byte(nil), c.identityPublic...)
		delete(c.pendingFirst, sessionID)
	}
	c.mu.Unlock()
	return encodeMessage(envelope)
}

// EncryptBatched seals the same plaintext independently for each of
// sessionIDs, returning one ciphertext per session in the same order.
func (c *Central) EncryptBatched(ctx context.Context, sessionIDs []string, plaintext []byte) ([][]byte, error) {
	out := make([][]byte, len(sessionIDs))
	for i, id := range sessionIDs {
		ct, err := c.Encrypt(ctx, id, plaintext)
		if err != nil {
			return nil, fmt.Errorf("proteus: encrypt batched (session %q): %w", id, err)
		}
		out[i] = ct
	}
	return out, nil
}

// Decrypt opens an established session's ciphertext. For a brand-new
// session's first message, call SessionFromMessage instead.
func (c *Central) Decrypt(ctx context.Context, sessionID string, ciphertext []byte) ([]byte, error) {
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(ciphertext)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("proteus: decode message: %w", err)
	}

	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stores[sessionID].withContext(ctx)
	c.mu.Unlock()

	plaintext, err := sess.Open(msg.Ratchet, []byte(sessionID))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ProteusDecryptionFailure, "Decrypt", err)
	}
	return plaintext, nil
}

func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("proteus: encode message: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveSession forces a persist of sessionID's current state, useful after a
// batch of operations performed with a deferred save policy.
func (c *Central) SaveSession(ctx context.Context, sessionID string) error {
	ks, err := c.getKeystoreStore(ctx, sessionID)
	if err != nil {
		return err
	}
	ks.withContext(ctx)
	return ks.persist()
}

// DeleteSession removes sessionID from memory and the keystore.
func (c *Central) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	delete(c.stores, sessionID)
	c.mu.Unlock()
	return c.store.Delete(ctx, keystore.KindProteusSession, []byte(sessionID))
}
