package proteus

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/e2eicore/corecrypto/keystore"
)

// PrekeyBundle is the serialized offer a remote party fetches out-of-band
// (typically via a backend's prekey store) to start a session without an
// online handshake: the local identity's long-term public key plus one
// one-shot prekey public key.
type PrekeyBundle struct {
	PrekeyID     uint16
	PrekeyPublic []byte
	IdentityKey  []byte
}

// prekeyRecord is the gob-encoded payload behind one ProteusPrekey row.
type prekeyRecord struct {
	Private []byte
	Public  []byte
}

func prekeyPrimaryKey(id uint16) []byte {
	key := make([]byte, 2)
	binary.BigEndian.PutUint16(key, id)
	return key
}

// NewPrekey generates, persists, and returns the bundle for a new one-shot
// prekey identified by id. Re-using an id overwrites whatever prekey
// previously occupied that slot, matching the original's new_prekey
// semantics (callers choose ids, often a rolling counter).
func (c *Central) NewPrekey(ctx context.Context, id uint16) (PrekeyBundle, error) {
	priv, pub, err := genX25519KeyPair()
	if err != nil {
		return PrekeyBundle{}, fmt.Errorf("proteus: generate prekey: %w", err)
	}
	rec := prekeyRecord{Private: priv, Public: pub}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return PrekeyBundle{}, fmt.Errorf("proteus: encode prekey: %w", err)
	}
	if err := c.store.Save(ctx, keystore.ProteusPrekey{ID: prekeyPrimaryKey(id), Payload: buf.Bytes()}); err != nil {
		return PrekeyBundle{}, fmt.Errorf("proteus: persist prekey: %w", err)
	}
	return PrekeyBundle{PrekeyID: id, PrekeyPublic: pub, IdentityKey: c.identityPublic}, nil
}

// consumePrekey loads and deletes the prekey private key for id, the
// responder side of a session-from-prekey handshake: a prekey is one-shot
// and must not be reused once a session has been established from it.
func (c *Central) consumePrekey(ctx context.Context, id uint16) ([]byte, error) {
	key := prekeyPrimaryKey(id)
	row, err := c.store.Find(ctx, keystore.KindProteusPrekey, key)
	if err != nil {
		return nil, fmt.Errorf("proteus: prekey %d not found: %w", id, err)
	}
	var rec prekeyRecord
	if err := gob.NewDecoder(bytes.NewReader(row)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("proteus: decode prekey: %w", err)
	}
	if err := c.store.Delete(ctx, keystore.KindProteusPrekey, key); err != nil {
		return nil, fmt.Errorf("proteus: delete consumed prekey: %w", err)
	}
	return rec.Private, nil
}
