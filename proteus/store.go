package proteus

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/ericlagergren/dr"

	"github.com/e2eicore/corecrypto/keystore"
)

// defaultMaxSkippedKeys bounds how many out-of-order message keys one
// session retains before refusing to skip further, mirroring dr's own
// default and the original's cryptobox behavior of capping skipped keys.
const defaultMaxSkippedKeys = 1000

// sessionRecord is the gob-encoded payload behind one ProteusSession row:
// the ratchet state plus any message keys skipped while messages arrived
// out of order, so a session survives a process restart mid-conversation.
type sessionRecord struct {
	State   dr.State
	Skipped map[string][]byte
}

func skipKey(Nr int, pub dr.PublicKey) string {
	return fmt.Sprintf("%d:%x", Nr, []byte(pub))
}

// keystoreStore implements dr.Store over one ProteusSession keystore row.
// Every mutation re-persists the full record; sessions are low-volume
// enough (one row per pairwise conversation) that this is simpler than
// incremental updates and keeps the per-group persist-before-success
// invariant trivially true.
type keystoreStore struct {
	ctx       context.Context
	store     keystore.Store
	sessionID []byte
	maxSkip   int
	rec       sessionRecord
}

func newKeystoreStore(ctx context.Context, store keystore.Store, sessionID []byte) *keystoreStore {
	return &keystoreStore{
		ctx:       ctx,
		store:     store,
		sessionID: sessionID,
		maxSkip:   defaultMaxSkippedKeys,
		rec:       sessionRecord{Skipped: make(map[string][]byte)},
	}
}

func loadKeystoreStore(ctx context.Context, store keystore.Store, sessionID []byte) (*keystoreStore, error) {
	row, err := store.Find(ctx, keystore.KindProteusSession, sessionID)
	if err != nil {
		return nil, err
	}
	var rec sessionRecord
	if err := gob.NewDecoder(bytes.NewReader(row)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("proteus: decode session: %w", err)
	}
	if rec.Skipped == nil {
		rec.Skipped = make(map[string][]byte)
	}
	return &keystoreStore{ctx: ctx, store: store, sessionID: sessionID, maxSkip: defaultMaxSkippedKeys, rec: rec}, nil
}

// withContext rebinds the store to ctx for one Seal/Open call; proteus
// operations run cooperatively on one caller-driven executor (spec §5), so
// there is never a concurrent call in flight to race against this field.
func (k *keystoreStore) withContext(ctx context.Context) *keystoreStore {
	k.ctx = ctx
	return k
}

func (k *keystoreStore) persist() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(k.rec); err != nil {
		return fmt.Errorf("proteus: encode session: %w", err)
	}
	return k.store.Save(k.ctx, keystore.ProteusSession{SessionID: k.sessionID, Payload: buf.Bytes()})
}

func (k *keystoreStore) Save(s *dr.State) error {
	k.rec.State = *s.Clone()
	return k.persist()
}

func (k *keystoreStore) StoreKey(Nr int, pub dr.PublicKey, key dr.MessageKey) error {
	if len(k.rec.Skipped) >= k.maxSkip {
		return fmt.Errorf("proteus: too many skipped messages for session %x", k.sessionID)
	}
	k.rec.Skipped[skipKey(Nr, pub)] = append([]byte(nil), key...)
	return k.persist()
}

func (k *keystoreStore) LoadKey(Nr int, pub dr.PublicKey) (dr.MessageKey, error) {
	key, ok := k.rec.Skipped[skipKey(Nr, pub)]
	if !ok {
		return nil, dr.ErrNotFound
	}
	return dr.MessageKey(key), nil
}

func (k *keystoreStore) DeleteKey(Nr int, pub dr.PublicKey) error {
	delete(k.rec.Skipped, skipKey(Nr, pub))
	return k.persist()
}

var _ dr.Store = (*keystoreStore)(nil)
