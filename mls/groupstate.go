package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
)

// epochRecord is one retained step of the group's key-schedule history: the
// symmetric secret application messages of that epoch are keyed from, and
// the external-commit keypair published for joiners while that epoch was
// current. CommitHash names the commit (or external commit) whose
// acceptance produced this epoch, letting DecryptMessage recognize a
// retransmission of a commit it already merged as a benign no-op.
type epochRecord struct {
	Epoch        uint64
	Secret       []byte
	ExternalPub  []byte
	ExternalPriv []byte
	CommitHash   []byte
}

// senderState tracks one sender's highest-seen application-message
// generation within the current epoch, giving SenderRatchetOutOfOrder and
// SenderRatchetMaxForwardJump real replay-detection meaning. Reset whenever
// the epoch advances — generation counters never carry across a commit.
type senderState struct {
	HighWater uint32
	Seen      map[uint32]bool
}

// groupState is the engine behind one Conversation: flat membership (no
// ratchet tree — see DESIGN.md) plus a bounded history of epoch secrets.
type groupState struct {
	ID            []byte
	Ciphersuite   corecrypto.Ciphersuite
	Epoch         uint64
	Members       []member
	SelfIndex     uint32
	SelfSigPriv   ed25519.PrivateKey
	MaxPastEpochs int
	History       []epochRecord

	OwnGeneration uint32
	Senders       map[uint32]*senderState
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("mls: random bytes: %w", err)
	}
	return buf, nil
}

// groupContextHash binds a proposed membership into the epoch secret
// derivation: two commits that reach different membership outcomes (even
// from the same prior epoch and commit secret) always derive different
// next-epoch secrets.
func groupContextHash(groupID []byte, epoch uint64, members []member) ([]byte, error) {
	encoded, err := gobEncode(struct {
		GroupID []byte
		Epoch   uint64
		Members []member
	}{groupID, epoch, members})
	if err != nil {
		return nil, err
	}
	h := corecrypto.Hash(encoded)
	return h[:], nil
}

// deriveNextEpochSecret mixes the prior epoch's secret with a fresh commit
// secret under the new epoch's context hash — HKDF-Extract-then-Expand
// exactly as the original key schedule chains epoch secrets, simplified to
// a single secret rather than the full exporter/sender-data/confirmation
// sub-tree RFC 9420 derives from it.
func deriveNextEpochSecret(priorSecret, commitSecret, contextHash []byte) ([]byte, error) {
	joined := make([]byte, 0, len(priorSecret)+len(commitSecret))
	joined = append(joined, priorSecret...)
	joined = append(joined, commitSecret...)
	return corecrypto.HKDFExtractExpand(joined, contextHash, []byte("corecrypto mls epoch secret"), 32)
}

// deriveExternalEpochSecret is the external-join analogue: an external
// joiner never learns the group's prior epoch secret (that would defeat
// the point of publishing only ExternalPub in PublicGroupState), so the new
// epoch is seeded from the HPKE-exchanged commit secret alone. This trades
// away continuity with the pre-join secret history for the transition that
// adds the external joiner, in exchange for not leaking confidential
// key-schedule state to whoever merely fetched the PublicGroupState.
func deriveExternalEpochSecret(commitSecret, contextHash []byte) ([]byte, error) {
	return corecrypto.HKDFExtractExpand(commitSecret, contextHash, []byte("corecrypto mls external commit secret"), 32)
}

func deriveHandshakeKey(cs corecrypto.Ciphersuite, epochSecret []byte) ([]byte, error) {
	size, err := corecrypto.AEADKeySize(cs)
	if err != nil {
		return nil, err
	}
	return corecrypto.HKDFExtractExpand(epochSecret, nil, []byte("corecrypto mls handshake key"), size)
}

// deriveMessageKeyNonce derives one application message's AEAD key and
// nonce from the epoch secret, the sender's leaf index, and a per-sender
// generation counter — a flat, stateless analogue of the original's
// per-sender forward ratchet: since every (epoch, sender, generation)
// triple derives to the same key regardless of delivery order, corecrypto
// does not need a ratchet cache, while SenderRatchetOutOfOrder/
// SenderRatchetMaxForwardJump still bound which generations DecryptMessage
// accepts as a replay-detection window.
func deriveMessageKeyNonce(cs corecrypto.Ciphersuite, epochSecret []byte, senderIndex, generation uint32) (key, nonce []byte, err error) {
	size, err := corecrypto.AEADKeySize(cs)
	if err != nil {
		return nil, nil, err
	}
	info := fmt.Sprintf("corecrypto mls app key sender=%d generation=%d", senderIndex, generation)
	combined, err := corecrypto.HKDFExtractExpand(epochSecret, nil, []byte(info), size+corecrypto.AEADNonceSize)
	if err != nil {
		return nil, nil, err
	}
	return combined[:size], combined[size:], nil
}

func (gs *groupState) currentRecord() *epochRecord {
	return &gs.History[len(gs.History)-1]
}

func (gs *groupState) recordForEpoch(epoch uint64) (*epochRecord, bool) {
	for i := range gs.History {
		if gs.History[i].Epoch == epoch {
			return &gs.History[i], true
		}
	}
	return nil, false
}

func (gs *groupState) commitHashForEpoch(epoch uint64) ([]byte, bool) {
	rec, ok := gs.recordForEpoch(epoch)
	if !ok || len(rec.CommitHash) == 0 {
		return nil, false
	}
	return rec.CommitHash, true
}

// appendEpoch advances the group to a new epoch, trimming History to
// MaxPastEpochs+1 retained secrets (the current one plus MaxPastEpochs of
// backlog), and resets the per-sender generation bookkeeping — a fresh
// epoch means every sender's ratchet state starts over.
func (gs *groupState) appendEpoch(rec epochRecord) {
	gs.Epoch = rec.Epoch
	gs.History = append(gs.History, rec)
	if max := gs.MaxPastEpochs + 1; len(gs.History) > max {
		gs.History = gs.History[len(gs.History)-max:]
	}
	gs.OwnGeneration = 0
	gs.Senders = make(map[uint32]*senderState)
}

// findSelfIndex locates member m's own leaf by signature key, used after a
// membership change reshuffles leaf indices (e.g. RemoveMembers compacting
// the slice).
func findSelfIndex(members []member, sigKey []byte) (uint32, bool) {
	for i, m := range members {
		if string(m.SignatureKey) == string(sigKey) {
			return uint32(i), true
		}
	}
	return 0, false
}
