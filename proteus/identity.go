package proteus

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/e2eicore/corecrypto/keystore"
)

// identityRecord is the gob-encoded payload behind the single
// ProteusIdentity row.
type identityRecord struct {
	Private []byte
	Public  []byte
}

// loadOrCreateIdentity fetches the local long-term X25519 identity keypair,
// generating and persisting one on first use (the original's
// ProteusCentral::try_new lazily initializes exactly this way).
func loadOrCreateIdentity(ctx context.Context, store keystore.Store) (priv, pub []byte, err error) {
	row, err := store.Find(ctx, keystore.KindProteusIdentity, []byte("proteus_identity"))
	if err == nil {
		var rec identityRecord
		if err := gob.NewDecoder(bytes.NewReader(row)).Decode(&rec); err != nil {
			return nil, nil, fmt.Errorf("proteus: decode identity: %w", err)
		}
		return rec.Private, rec.Public, nil
	}

	priv, pub, genErr := genX25519KeyPair()
	if genErr != nil {
		return nil, nil, fmt.Errorf("proteus: generate identity: %w", genErr)
	}
	rec := identityRecord{Private: priv, Public: pub}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, nil, fmt.Errorf("proteus: encode identity: %w", err)
	}
	if err := store.Save(ctx, keystore.ProteusIdentity{Payload: buf.Bytes()}); err != nil {
		return nil, nil, fmt.Errorf("proteus: persist identity: %w", err)
	}
	return priv, pub, nil
}
