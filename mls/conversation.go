package mls

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	corecrypto "github.com/e2eicore/corecrypto/crypto"

	"github.com/e2eicore/corecrypto/coreerr"
	"github.com/e2eicore/corecrypto/corelog"
	"github.com/e2eicore/corecrypto/identity"
	"github.com/e2eicore/corecrypto/keystore"
)

// State is the conversation's handshake-progress state machine (spec
// §4.4.1): Stable means no commit is outstanding; PendingLocalCommit means
// this client issued a commit and is waiting to observe it accepted (or
// rolled back); PendingExternalCommit exists only on the bundle returned by
// JoinByExternalCommit, before MergePendingGroupFromExternalCommit runs.
type State uint8

const (
	StateStable State = iota
	StatePendingLocalCommit
)

// CreationMessage is returned by Create when ExtraMembers were supplied: the
// Welcome new members process, and the Commit existing members (there are
// none yet, for a brand-new group) would process.
type CreationMessage struct {
	Welcome []byte
	Commit  []byte
}

// DecryptResultKind classifies what DecryptMessage found. The three
// commit-acceptance cases are kept distinct (rather than collapsed into one
// "commit" result) because each means something different to a caller:
// CommitSelf confirms a commit this client itself issued, Commit applies a
// commit some other member issued, and CommitExternal applies a brand-new
// member joining itself via JoinByExternalCommit.
type DecryptResultKind uint8

const (
	DecryptResultApplication DecryptResultKind = iota
	DecryptResultProposal
	DecryptResultCommit
	DecryptResultCommitSelf
	DecryptResultCommitExternal
	DecryptResultNoOp // duplicate-of-already-merged-commit; a benign no-op, not an error
)

// DecryptResult is DecryptMessage's outcome: Plaintext is populated only
// for DecryptResultApplication.
type DecryptResult struct {
	Kind      DecryptResultKind
	Plaintext []byte
}

// KeyPackageConsumer deletes KeyPackages a commit or welcome has consumed
// from the caller's own offered pool (spec §4.4.2/§4.4.3's "the key package
// used is consumed"). *identity.Client satisfies this; CommitAccepted and
// DecryptMessage accept nil for pure mls-level callers with no
// keystore-backed identity pool of their own.
type KeyPackageConsumer interface {
	ConsumeKeyPackages(ctx context.Context, references [][]byte) error
}

// pendingCommit is the in-memory-only record of a commit this client
// issued but has not yet seen accepted. It is never persisted: the spec's
// state table requires the on-disk group row to stay unchanged while
// PendingLocalCommit is outstanding, so a process restart during this
// window simply loses the pending commit, and the caller must reissue it.
type pendingCommit struct {
	Hash         []byte
	NewMembers   []member
	NewEpoch     uint64
	NewSecret    []byte
	NewExternal  *corecrypto.HPKEKeyPair
	ConsumedRefs [][]byte
}

// Conversation wraps one group's membership and key-schedule history with
// corecrypto's own handshake bookkeeping and persistence, grounded on the
// original conversation.rs's MlsConversation (group behind a lock, admins,
// configuration).
type Conversation struct {
	mu       sync.RWMutex
	id       ConversationID
	group    *groupState
	admins   map[string]bool
	config   Configuration
	state    State
	terminal bool // this client removed itself via a merged commit
	pending  *pendingCommit
}

func adminSet(admins [][]byte) map[string]bool {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		set[string(a)] = true
	}
	return set
}

func adminList(admins map[string]bool) [][]byte {
	out := make([][]byte, 0, len(admins))
	for a := range admins {
		out = append(out, []byte(a))
	}
	return out
}

// Create starts a brand-new conversation at epoch 0, owned by the client
// whose KeyPairPackage is kpp. If cfg.ExtraMembers is non-empty, it
// immediately admits them into the group (matching the original's
// create(), which adds and merges in the same call rather than leaving the
// founder in a pending state), returning the Welcome/Commit pair the
// caller must deliver.
func Create(id ConversationID, kpp identity.KeyPairPackage, cfg Configuration) (*Conversation, *CreationMessage, error) {
	log := corelog.New("mls", "Create").WithField("conversation_id", fmt.Sprintf("%x", []byte(id)))
	log.Entry("creating new conversation")
	defer log.Exit()

	cfg = cfg.withDefaults()
	founder := memberFromKeyPackage(kpp.Public)

	initSecret, err := randomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	ctxHash, err := groupContextHash(id, 0, []member{founder})
	if err != nil {
		return nil, nil, err
	}
	epochSecret, err := deriveNextEpochSecret(nil, initSecret, ctxHash)
	if err != nil {
		return nil, nil, err
	}
	extKeys, err := corecrypto.GenerateHPKEKeyPair(cfg.Ciphersuite)
	if err != nil {
		return nil, nil, err
	}

	gs := &groupState{
		ID:            id,
		Ciphersuite:   cfg.Ciphersuite,
		Epoch:         0,
		Members:       []member{founder},
		SelfIndex:     0,
		SelfSigPriv:   kpp.SignaturePrivateKey,
		MaxPastEpochs: cfg.MaxPastEpochs,
		History: []epochRecord{{
			Epoch:        0,
			Secret:       epochSecret,
			ExternalPub:  extKeys.PublicRaw,
			ExternalPriv: extKeys.PrivateRaw,
		}},
		Senders: make(map[uint32]*senderState),
	}
	c := &Conversation{id: id, group: gs, admins: adminSet(cfg.Admins), config: cfg, state: StateStable}

	if len(cfg.ExtraMembers) == 0 {
		log.Info("conversation created with no initial members")
		return c, nil, nil
	}

	msg, err := c.buildAddCommit(cfg.ExtraMembers)
	if err != nil {
		return nil, nil, err
	}
	// Creation merges the add immediately: there is no one else yet to
	// leave a commit pending for.
	c.group.appendEpoch(epochRecord{
		Epoch:        c.pending.NewEpoch,
		Secret:       c.pending.NewSecret,
		ExternalPub:  c.pending.NewExternal.PublicRaw,
		ExternalPriv: c.pending.NewExternal.PrivateRaw,
		CommitHash:   c.pending.Hash,
	})
	c.group.Members = c.pending.NewMembers
	c.pending = nil

	log.WithField("extra_members", len(cfg.ExtraMembers)).Info("conversation created and initial members invited")
	return c, msg, nil
}

// FromWelcomeMessage joins an existing conversation from a Welcome message,
// using kpp (the KeyPairPackage whose KeyPackage was consumed by the
// Welcome). Callers are expected to have already located kpp via a
// keystore lookup keyed by the welcome's target reference (see
// central.ProcessWelcomeMessage) — this function itself only rejects a
// welcome that does not contain an entry matching kpp's own reference.
func FromWelcomeMessage(welcome []byte, kpp identity.KeyPairPackage, cfg Configuration) (*Conversation, error) {
	var wm welcomeMessage
	if err := gobDecode(welcome, &wm); err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedWelcome, "FromWelcomeMessage", err)
	}
	ref, err := kpp.Public.Reference()
	if err != nil {
		return nil, err
	}

	var info *welcomeGroupInfo
	for _, r := range wm.Recipients {
		if !bytes.Equal(r.KeyPackageRef, ref[:]) {
			continue
		}
		plaintext, err := corecrypto.HPKEOpen(cfg.Ciphersuite, kpp.HPKEPrivateKey, r.Enc, []byte("corecrypto welcome"), r.KeyPackageRef, r.Ciphertext)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.MalformedWelcome, "FromWelcomeMessage", err)
		}
		var gi welcomeGroupInfo
		if err := gobDecode(plaintext, &gi); err != nil {
			return nil, coreerr.Wrap(coreerr.MalformedWelcome, "FromWelcomeMessage", err)
		}
		info = &gi
		break
	}
	if info == nil {
		return nil, coreerr.New(coreerr.OrphanWelcome, "FromWelcomeMessage")
	}

	selfIndex, ok := findSelfIndex(info.Members, kpp.Public.SignatureKey)
	if !ok {
		return nil, coreerr.New(coreerr.MalformedWelcome, "FromWelcomeMessage")
	}

	gs := &groupState{
		ID:            info.GroupID,
		Ciphersuite:   cfg.Ciphersuite,
		Epoch:         info.Epoch,
		Members:       info.Members,
		SelfIndex:     selfIndex,
		SelfSigPriv:   kpp.SignaturePrivateKey,
		MaxPastEpochs: cfg.withDefaults().MaxPastEpochs,
		History: []epochRecord{{
			Epoch:        info.Epoch,
			Secret:       info.EpochSecret,
			ExternalPub:  info.ExternalPub,
			ExternalPriv: info.ExternalPriv,
		}},
		Senders: make(map[uint32]*senderState),
	}
	return &Conversation{
		id:     ConversationID(info.GroupID),
		group:  gs,
		admins: adminSet(info.Admins),
		config: info.Config,
		state:  StateStable,
	}, nil
}

// conversationState is the gob-encoded payload behind a KindMlsGroup row.
type conversationState struct {
	ID         []byte
	GroupBytes []byte
	Admins     [][]byte
	Config     Configuration
	StateTag   State
	Terminal   bool
}

// FromSerializedState restores a Conversation previously persisted by
// Persist, the path central.restoreGroups uses on startup.
func FromSerializedState(data []byte) (*Conversation, error) {
	var cs conversationState
	if err := gobDecode(data, &cs); err != nil {
		return nil, fmt.Errorf("mls: decode conversation state: %w", err)
	}
	var gs groupState
	if err := gobDecode(cs.GroupBytes, &gs); err != nil {
		return nil, fmt.Errorf("mls: decode group state: %w", err)
	}
	if gs.Senders == nil {
		gs.Senders = make(map[uint32]*senderState)
	}
	return &Conversation{
		id:       ConversationID(cs.ID),
		group:    &gs,
		admins:   adminSet(cs.Admins),
		config:   cs.Config,
		state:    cs.StateTag,
		terminal: cs.Terminal,
	}, nil
}

// Serialize encodes the conversation for persistence. The in-memory-only
// pending commit, if any, is deliberately not included — see pendingCommit.
func (c *Conversation) Serialize() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	groupBytes, err := gobEncode(c.group)
	if err != nil {
		return nil, fmt.Errorf("mls: marshal group state: %w", err)
	}
	cs := conversationState{
		ID:         []byte(c.id),
		GroupBytes: groupBytes,
		Admins:     adminList(c.admins),
		Config:     c.config,
		StateTag:   c.state,
		Terminal:   c.terminal,
	}
	return gobEncode(cs)
}

// Persist writes the conversation's current state to store under
// KindMlsGroup, keyed by conversation id. Persistence happens before any
// operation reports success to the caller (spec invariant).
func (c *Conversation) Persist(ctx context.Context, store keystore.Store) error {
	payload, err := c.Serialize()
	if err != nil {
		return err
	}
	return store.Save(ctx, keystore.Raw{
		EntityKind: keystore.KindMlsGroup,
		Key:        []byte(c.id),
		Payload:    payload,
	})
}

// ID returns the conversation's id.
func (c *Conversation) ID() ConversationID { return c.id }

// Epoch returns the group's current epoch.
func (c *Conversation) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.group.Epoch
}

// ExportPublicGroupState exports the group's current PublicGroupState, the
// object an external-commit joiner fetches out-of-band to call
// JoinByExternalCommit. It never includes the epoch secret itself — only
// the current epoch's published external public key.
func (c *Conversation) ExportPublicGroupState() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur := c.group.currentRecord()
	pgs := publicGroupState{
		GroupID:     c.group.ID,
		Epoch:       c.group.Epoch,
		Members:     c.group.Members,
		Admins:      adminList(c.admins),
		Config:      c.config,
		ExternalPub: cur.ExternalPub,
	}
	return gobEncode(pgs)
}

// Members derives the member list fresh from the group, per spec invariant
// 4 ("members() is always derived, never cached").
func (c *Conversation) Members() map[string][][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][][]byte)
	for _, m := range c.group.Members {
		key := string(m.Identity)
		out[key] = append(out[key], m.Identity)
	}
	return out
}

// buildAddCommit computes (but does not apply) the effect of adding
// keyPackages: the new member list, the next epoch secret, the Welcome for
// the joiners, and the Commit existing members apply. The result is stashed
// in c.pending so CommitAccepted/DecryptMessage can apply it without
// recomputing.
func (c *Conversation) buildAddCommit(keyPackages []identity.KeyPackage) (*CreationMessage, error) {
	commitSecret, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	newMembers := append(append([]member(nil), c.group.Members...), membersFromKeyPackages(keyPackages)...)
	newEpoch := c.group.Epoch + 1
	ctxHash, err := groupContextHash(c.group.ID, newEpoch, newMembers)
	if err != nil {
		return nil, err
	}
	cur := c.group.currentRecord()
	newSecret, err := deriveNextEpochSecret(cur.Secret, commitSecret, ctxHash)
	if err != nil {
		return nil, err
	}
	newExternal, err := corecrypto.GenerateHPKEKeyPair(c.config.Ciphersuite)
	if err != nil {
		return nil, err
	}

	consumedRefs := make([][]byte, 0, len(keyPackages))
	recipients := make([]welcomeRecipient, 0, len(keyPackages))
	for _, kp := range keyPackages {
		ref, err := kp.Reference()
		if err != nil {
			return nil, err
		}
		consumedRefs = append(consumedRefs, ref[:])
		info := welcomeGroupInfo{
			GroupID:      c.group.ID,
			Epoch:        newEpoch,
			Members:      newMembers,
			EpochSecret:  newSecret,
			ExternalPub:  newExternal.PublicRaw,
			ExternalPriv: newExternal.PrivateRaw,
			Admins:       adminList(c.admins),
			Config:       c.config,
		}
		plaintext, err := gobEncode(info)
		if err != nil {
			return nil, err
		}
		enc, ct, err := corecrypto.HPKESeal(c.config.Ciphersuite, kp.HPKEPublicKey, []byte("corecrypto welcome"), ref[:], plaintext)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, welcomeRecipient{KeyPackageRef: ref[:], Enc: enc, Ciphertext: ct})
	}
	welcomeBytes, err := gobEncode(welcomeMessage{Recipients: recipients})
	if err != nil {
		return nil, err
	}

	payload := commitPayload{Kind: commitKindAdd, CommitSecret: commitSecret, AddedKeyPackages: keyPackages}
	commitBytes, hash, err := c.sealCommit(payload)
	if err != nil {
		return nil, err
	}

	c.pending = &pendingCommit{
		Hash:         hash,
		NewMembers:   newMembers,
		NewEpoch:     newEpoch,
		NewSecret:    newSecret,
		NewExternal:  newExternal,
		ConsumedRefs: consumedRefs,
	}
	return &CreationMessage{Welcome: welcomeBytes, Commit: commitBytes}, nil
}

// sealCommit AEAD-seals payload under the group's current epoch handshake
// key and wraps it in the wireFrame/envelope framing, returning the wire
// bytes and the hash used for duplicate-commit detection.
func (c *Conversation) sealCommit(payload commitPayload) (wireBytes, hash []byte, err error) {
	plaintext, err := gobEncode(payload)
	if err != nil {
		return nil, nil, err
	}
	cur := c.group.currentRecord()
	key, err := deriveHandshakeKey(c.config.Ciphersuite, cur.Secret)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := randomBytes(corecrypto.AEADNonceSize)
	if err != nil {
		return nil, nil, err
	}
	frame := wireFrame{
		Type:        frameCommit,
		GroupID:     c.group.ID,
		Epoch:       c.group.Epoch,
		SenderIndex: c.group.SelfIndex,
		Generation:  0,
	}
	aad, err := frame.aad()
	if err != nil {
		return nil, nil, err
	}
	// The nonce rides alongside the ciphertext rather than being derived,
	// since a commit frame has no "generation" sequence of its own to mix
	// into a deterministic nonce the way application messages do.
	ciphertext, err := corecrypto.AEADSeal(c.config.Ciphersuite, key, nonce, aad, plaintext)
	if err != nil {
		return nil, nil, err
	}
	frame.Ciphertext = append(nonce, ciphertext...)
	frameBytes, err := gobEncode(frame)
	if err != nil {
		return nil, nil, err
	}
	env := envelope{Kind: envelopeWireFrame, Payload: frameBytes}
	wireBytes, err = gobEncode(env)
	if err != nil {
		return nil, nil, err
	}
	h := corecrypto.Hash(frameBytes)
	return wireBytes, h[:], nil
}

func openCommitFrame(cs corecrypto.Ciphersuite, secret []byte, frame wireFrame) (commitPayload, error) {
	var payload commitPayload
	if len(frame.Ciphertext) < corecrypto.AEADNonceSize {
		return payload, fmt.Errorf("mls: commit frame too short")
	}
	nonce := frame.Ciphertext[:corecrypto.AEADNonceSize]
	ciphertext := frame.Ciphertext[corecrypto.AEADNonceSize:]
	key, err := deriveHandshakeKey(cs, secret)
	if err != nil {
		return payload, err
	}
	aad, err := frame.aad()
	if err != nil {
		return payload, err
	}
	plaintext, err := corecrypto.AEADOpen(cs, key, nonce, aad, ciphertext)
	if err != nil {
		return payload, err
	}
	if err := gobDecode(plaintext, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// AddMembers adds keyPackages to the group, leaving the commit pending
// local merge (spec invariant: at most one pending commit at a time).
func (c *Conversation) AddMembers(ctx context.Context, keyPackages []identity.KeyPackage) (*CreationMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StatePendingLocalCommit {
		return nil, coreerr.New(coreerr.PendingCommitAlreadyExists, "AddMembers")
	}
	msg, err := c.buildAddCommit(keyPackages)
	if err != nil {
		return nil, err
	}
	c.state = StatePendingLocalCommit
	return msg, nil
}

// RemoveMembers proposes removal of the given member leaf indices and
// returns the resulting commit bytes. No welcome is produced: removed
// members are not told anything beyond no longer receiving messages.
func (c *Conversation) RemoveMembers(ctx context.Context, leafIndices []uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StatePendingLocalCommit {
		return nil, coreerr.New(coreerr.PendingCommitAlreadyExists, "RemoveMembers")
	}

	removed := make(map[uint32]bool, len(leafIndices))
	for _, idx := range leafIndices {
		removed[idx] = true
	}
	newMembers := make([]member, 0, len(c.group.Members))
	for i, m := range c.group.Members {
		if !removed[uint32(i)] {
			newMembers = append(newMembers, m)
		}
	}

	commitSecret, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	newEpoch := c.group.Epoch + 1
	ctxHash, err := groupContextHash(c.group.ID, newEpoch, newMembers)
	if err != nil {
		return nil, err
	}
	cur := c.group.currentRecord()
	newSecret, err := deriveNextEpochSecret(cur.Secret, commitSecret, ctxHash)
	if err != nil {
		return nil, err
	}
	newExternal, err := corecrypto.GenerateHPKEKeyPair(c.config.Ciphersuite)
	if err != nil {
		return nil, err
	}

	payload := commitPayload{Kind: commitKindRemove, CommitSecret: commitSecret, RemovedLeafIndices: leafIndices}
	commitBytes, hash, err := c.sealCommit(payload)
	if err != nil {
		return nil, err
	}

	c.pending = &pendingCommit{
		Hash:        hash,
		NewMembers:  newMembers,
		NewEpoch:    newEpoch,
		NewSecret:   newSecret,
		NewExternal: newExternal,
	}
	c.state = StatePendingLocalCommit
	return commitBytes, nil
}

// UpdateKeyingMaterial issues a self-update commit (key rotation): a fresh
// random commit secret advances the key schedule for post-compromise
// security without changing membership.
func (c *Conversation) UpdateKeyingMaterial(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StatePendingLocalCommit {
		return nil, coreerr.New(coreerr.PendingCommitAlreadyExists, "UpdateKeyingMaterial")
	}

	commitSecret, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	newEpoch := c.group.Epoch + 1
	ctxHash, err := groupContextHash(c.group.ID, newEpoch, c.group.Members)
	if err != nil {
		return nil, err
	}
	cur := c.group.currentRecord()
	newSecret, err := deriveNextEpochSecret(cur.Secret, commitSecret, ctxHash)
	if err != nil {
		return nil, err
	}
	newExternal, err := corecrypto.GenerateHPKEKeyPair(c.config.Ciphersuite)
	if err != nil {
		return nil, err
	}

	payload := commitPayload{Kind: commitKindUpdate, CommitSecret: commitSecret}
	commitBytes, hash, err := c.sealCommit(payload)
	if err != nil {
		return nil, err
	}

	c.pending = &pendingCommit{
		Hash:        hash,
		NewMembers:  append([]member(nil), c.group.Members...),
		NewEpoch:    newEpoch,
		NewSecret:   newSecret,
		NewExternal: newExternal,
	}
	c.state = StatePendingLocalCommit
	return commitBytes, nil
}

// CommitAccepted merges the last locally-issued pending commit, clearing
// PendingLocalCommit. It persists the merged group (when store is
// non-nil) and consumes any KeyPackages the commit used (when kpConsumer is
// non-nil) in the same call, so a caller that awaits CommitAccepted never
// observes a merged-but-unpersisted or merged-but-unconsumed state.
func (c *Conversation) CommitAccepted(ctx context.Context, store keystore.Store, kpConsumer KeyPackageConsumer) error {
	c.mu.Lock()
	if c.state != StatePendingLocalCommit {
		c.mu.Unlock()
		return coreerr.New(coreerr.NoPendingCommit, "CommitAccepted")
	}
	pending := c.pending
	c.group.appendEpoch(epochRecord{
		Epoch:        pending.NewEpoch,
		Secret:       pending.NewSecret,
		ExternalPub:  pending.NewExternal.PublicRaw,
		ExternalPriv: pending.NewExternal.PrivateRaw,
		CommitHash:   pending.Hash,
	})
	c.group.Members = pending.NewMembers
	if selfIdx, ok := findSelfIndex(c.group.Members, memberSigKey(c.group)); ok {
		c.group.SelfIndex = selfIdx
	}
	c.state = StateStable
	c.pending = nil
	c.mu.Unlock()

	if kpConsumer != nil && len(pending.ConsumedRefs) > 0 {
		if err := kpConsumer.ConsumeKeyPackages(ctx, pending.ConsumedRefs); err != nil {
			return fmt.Errorf("mls: consume key packages after commit: %w", err)
		}
	}
	if store != nil {
		if err := c.Persist(ctx, store); err != nil {
			return fmt.Errorf("mls: persist conversation after commit: %w", err)
		}
	}
	return nil
}

// memberSigKey recovers the self member's own signature key before a
// membership change, used to relocate SelfIndex afterward (indices shift
// when RemoveMembers compacts the slice).
func memberSigKey(gs *groupState) []byte {
	if int(gs.SelfIndex) < len(gs.Members) {
		return gs.Members[gs.SelfIndex].SignatureKey
	}
	return nil
}

// EncryptMessage seals plaintext as an application message in the current
// epoch.
func (c *Conversation) EncryptMessage(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.group.currentRecord()
	generation := c.group.OwnGeneration
	key, nonce, err := deriveMessageKeyNonce(c.config.Ciphersuite, cur.Secret, c.group.SelfIndex, generation)
	if err != nil {
		return nil, err
	}
	frame := wireFrame{
		Type:        frameApplication,
		GroupID:     c.group.ID,
		Epoch:       c.group.Epoch,
		SenderIndex: c.group.SelfIndex,
		Generation:  generation,
	}
	aad, err := frame.aad()
	if err != nil {
		return nil, err
	}
	ciphertext, err := corecrypto.AEADSeal(c.config.Ciphersuite, key, nonce, aad, plaintext)
	if err != nil {
		return nil, fmt.Errorf("mls: encrypt message: %w", err)
	}
	frame.Ciphertext = ciphertext
	frameBytes, err := gobEncode(frame)
	if err != nil {
		return nil, err
	}
	c.group.OwnGeneration++
	return gobEncode(envelope{Kind: envelopeWireFrame, Payload: frameBytes})
}

// DecryptMessage processes one incoming wire message: application messages
// return their plaintext; commits (self-issued, remote, or external-join)
// are merged immediately, persisting and consuming KeyPackages exactly as
// CommitAccepted does. A message that duplicates an already-merged commit
// is a benign DecryptResultNoOp, not an error, per spec §7.
func (c *Conversation) DecryptMessage(ctx context.Context, store keystore.Store, kpConsumer KeyPackageConsumer, ciphertext []byte) (DecryptResult, error) {
	var env envelope
	if err := gobDecode(ciphertext, &env); err != nil {
		return DecryptResult{}, fmt.Errorf("mls: decode envelope: %w", err)
	}

	if env.Kind == envelopeExternalCommit {
		return c.decryptExternalCommit(ctx, store, kpConsumer, env.Payload)
	}

	var frame wireFrame
	if err := gobDecode(env.Payload, &frame); err != nil {
		return DecryptResult{}, fmt.Errorf("mls: decode wire frame: %w", err)
	}

	c.mu.Lock()
	if !bytes.Equal(frame.GroupID, c.group.ID) {
		c.mu.Unlock()
		return DecryptResult{}, coreerr.New(coreerr.ConversationNotFound, "DecryptMessage")
	}

	switch frame.Type {
	case frameApplication:
		return c.decryptApplication(frame)
	case frameCommit:
		return c.decryptCommit(ctx, store, kpConsumer, frame)
	default:
		c.mu.Unlock()
		return DecryptResult{}, fmt.Errorf("mls: unknown frame type %d", frame.Type)
	}
}

// decryptApplication is called with c.mu held for writing (to update
// sender high-water state) and releases it before returning.
func (c *Conversation) decryptApplication(frame wireFrame) (DecryptResult, error) {
	defer c.mu.Unlock()

	rec, ok := c.group.recordForEpoch(frame.Epoch)
	if !ok {
		return DecryptResult{}, coreerr.New(coreerr.WrongEpoch, "DecryptMessage")
	}

	if frame.Epoch == c.group.Epoch {
		st := c.group.Senders[frame.SenderIndex]
		if st == nil {
			st = &senderState{Seen: make(map[uint32]bool)}
			c.group.Senders[frame.SenderIndex] = st
		}
		if st.Seen[frame.Generation] {
			return DecryptResult{}, coreerr.New(coreerr.DuplicateMessage, "DecryptMessage")
		}
		behindLimit := st.HighWater > uint32(c.config.SenderRatchetOutOfOrder) && frame.Generation < st.HighWater-uint32(c.config.SenderRatchetOutOfOrder)
		aheadLimit := frame.Generation > st.HighWater+uint32(c.config.SenderRatchetMaxForwardJump)
		if behindLimit || aheadLimit {
			return DecryptResult{}, coreerr.New(coreerr.DuplicateMessage, "DecryptMessage")
		}
		st.Seen[frame.Generation] = true
		if frame.Generation > st.HighWater {
			st.HighWater = frame.Generation
		}
	}

	key, nonce, err := deriveMessageKeyNonce(c.config.Ciphersuite, rec.Secret, frame.SenderIndex, frame.Generation)
	if err != nil {
		return DecryptResult{}, err
	}
	aad, err := frame.aad()
	if err != nil {
		return DecryptResult{}, err
	}
	plaintext, err := corecrypto.AEADOpen(c.config.Ciphersuite, key, nonce, aad, frame.Ciphertext)
	if err != nil {
		return DecryptResult{}, fmt.Errorf("mls: decrypt message: %w", err)
	}
	return DecryptResult{Kind: DecryptResultApplication, Plaintext: plaintext}, nil
}

// decryptCommit is called with c.mu held for writing and releases it
// before returning.
func (c *Conversation) decryptCommit(ctx context.Context, store keystore.Store, kpConsumer KeyPackageConsumer, frame wireFrame) (DecryptResult, error) {
	frameBytes, err := gobEncode(frame)
	if err != nil {
		c.mu.Unlock()
		return DecryptResult{}, err
	}
	hash := corecrypto.Hash(frameBytes)

	newEpoch := frame.Epoch + 1
	if newEpoch <= c.group.Epoch {
		if stored, ok := c.group.commitHashForEpoch(newEpoch); ok && bytes.Equal(stored, hash[:]) {
			c.mu.Unlock()
			return DecryptResult{Kind: DecryptResultNoOp}, nil
		}
		c.mu.Unlock()
		return DecryptResult{}, coreerr.New(coreerr.WrongEpoch, "DecryptMessage")
	}
	if frame.Epoch != c.group.Epoch {
		c.mu.Unlock()
		return DecryptResult{}, coreerr.New(coreerr.WrongEpoch, "DecryptMessage")
	}

	fromSelf := c.state == StatePendingLocalCommit && c.pending != nil && bytes.Equal(c.pending.Hash, hash[:])

	var payload commitPayload
	var newMembers []member
	var newSecret []byte
	var newExternal *corecrypto.HPKEKeyPair
	var consumedRefs [][]byte

	if fromSelf {
		newMembers = c.pending.NewMembers
		newSecret = c.pending.NewSecret
		newExternal = c.pending.NewExternal
		consumedRefs = c.pending.ConsumedRefs
	} else {
		cur := c.group.currentRecord()
		payload, err = openCommitFrame(c.config.Ciphersuite, cur.Secret, frame)
		if err != nil {
			c.mu.Unlock()
			return DecryptResult{}, fmt.Errorf("mls: open commit: %w", err)
		}
		// A remote commit superseding our own pending one: the loser's
		// pending commit never lands and is simply discarded.
		switch payload.Kind {
		case commitKindAdd:
			newMembers = append(append([]member(nil), c.group.Members...), membersFromKeyPackages(payload.AddedKeyPackages)...)
			for _, kp := range payload.AddedKeyPackages {
				ref, err := kp.Reference()
				if err != nil {
					c.mu.Unlock()
					return DecryptResult{}, err
				}
				consumedRefs = append(consumedRefs, ref[:])
			}
		case commitKindRemove:
			removed := make(map[uint32]bool, len(payload.RemovedLeafIndices))
			for _, idx := range payload.RemovedLeafIndices {
				removed[idx] = true
			}
			selfSig := memberSigKey(c.group)
			for i, m := range c.group.Members {
				if !removed[uint32(i)] {
					newMembers = append(newMembers, m)
				} else if bytes.Equal(m.SignatureKey, selfSig) {
					c.terminal = true
				}
			}
		case commitKindUpdate:
			newMembers = append([]member(nil), c.group.Members...)
		default:
			c.mu.Unlock()
			return DecryptResult{}, fmt.Errorf("mls: unknown commit kind %d", payload.Kind)
		}
		ctxHash, err := groupContextHash(c.group.ID, newEpoch, newMembers)
		if err != nil {
			c.mu.Unlock()
			return DecryptResult{}, err
		}
		newSecret, err = deriveNextEpochSecret(cur.Secret, payload.CommitSecret, ctxHash)
		if err != nil {
			c.mu.Unlock()
			return DecryptResult{}, err
		}
		newExternal, err = corecrypto.GenerateHPKEKeyPair(c.config.Ciphersuite)
		if err != nil {
			c.mu.Unlock()
			return DecryptResult{}, err
		}
	}

	c.group.appendEpoch(epochRecord{
		Epoch:        newEpoch,
		Secret:       newSecret,
		ExternalPub:  newExternal.PublicRaw,
		ExternalPriv: newExternal.PrivateRaw,
		CommitHash:   hash[:],
	})
	c.group.Members = newMembers
	if selfIdx, ok := findSelfIndex(c.group.Members, memberSigKey(c.group)); ok {
		c.group.SelfIndex = selfIdx
	}
	kind := DecryptResultCommit
	if fromSelf {
		kind = DecryptResultCommitSelf
	}
	c.state = StateStable
	c.pending = nil
	c.mu.Unlock()

	if kpConsumer != nil && len(consumedRefs) > 0 {
		if err := kpConsumer.ConsumeKeyPackages(ctx, consumedRefs); err != nil {
			return DecryptResult{}, fmt.Errorf("mls: consume key packages after commit: %w", err)
		}
	}
	if store != nil {
		if err := c.Persist(ctx, store); err != nil {
			return DecryptResult{}, fmt.Errorf("mls: persist conversation after commit: %w", err)
		}
	}
	return DecryptResult{Kind: kind}, nil
}

// decryptExternalCommit applies an incoming external-join commit (see
// external_commit.go's JoinByExternalCommit for the sender side). Called
// without c.mu held; acquires it itself.
func (c *Conversation) decryptExternalCommit(ctx context.Context, store keystore.Store, kpConsumer KeyPackageConsumer, payloadBytes []byte) (DecryptResult, error) {
	var ecm externalCommitMessage
	if err := gobDecode(payloadBytes, &ecm); err != nil {
		return DecryptResult{}, fmt.Errorf("mls: decode external commit: %w", err)
	}

	c.mu.Lock()
	if !bytes.Equal(ecm.GroupID, c.group.ID) {
		c.mu.Unlock()
		return DecryptResult{}, coreerr.New(coreerr.ConversationNotFound, "DecryptMessage")
	}

	newEpoch := ecm.Epoch + 1
	hash := corecrypto.Hash(payloadBytes)
	if newEpoch <= c.group.Epoch {
		if stored, ok := c.group.commitHashForEpoch(newEpoch); ok && bytes.Equal(stored, hash[:]) {
			c.mu.Unlock()
			return DecryptResult{Kind: DecryptResultNoOp}, nil
		}
		c.mu.Unlock()
		return DecryptResult{}, coreerr.New(coreerr.WrongEpoch, "DecryptMessage")
	}
	if ecm.Epoch != c.group.Epoch {
		c.mu.Unlock()
		return DecryptResult{}, coreerr.New(coreerr.WrongEpoch, "DecryptMessage")
	}

	cur := c.group.currentRecord()
	plaintext, err := corecrypto.HPKEOpen(c.config.Ciphersuite, cur.ExternalPriv, ecm.Enc, []byte("corecrypto external commit"), ecm.GroupID, ecm.Ciphertext)
	if err != nil {
		c.mu.Unlock()
		return DecryptResult{}, coreerr.Wrap(coreerr.UnauthorizedExternalCommit, "DecryptMessage", err)
	}
	var payload externalCommitPayload
	if err := gobDecode(plaintext, &payload); err != nil {
		c.mu.Unlock()
		return DecryptResult{}, err
	}

	newMembers := append(append([]member(nil), c.group.Members...), payload.Joiner)
	ctxHash, err := groupContextHash(c.group.ID, newEpoch, newMembers)
	if err != nil {
		c.mu.Unlock()
		return DecryptResult{}, err
	}
	newSecret, err := deriveExternalEpochSecret(payload.CommitSecret, ctxHash)
	if err != nil {
		c.mu.Unlock()
		return DecryptResult{}, err
	}
	newExternal, err := corecrypto.GenerateHPKEKeyPair(c.config.Ciphersuite)
	if err != nil {
		c.mu.Unlock()
		return DecryptResult{}, err
	}

	c.group.appendEpoch(epochRecord{
		Epoch:        newEpoch,
		Secret:       newSecret,
		ExternalPub:  newExternal.PublicRaw,
		ExternalPriv: newExternal.PrivateRaw,
		CommitHash:   hash[:],
	})
	c.group.Members = newMembers
	if selfIdx, ok := findSelfIndex(c.group.Members, memberSigKey(c.group)); ok {
		c.group.SelfIndex = selfIdx
	}
	c.state = StateStable
	c.mu.Unlock()

	if store != nil {
		if err := c.Persist(ctx, store); err != nil {
			return DecryptResult{}, fmt.Errorf("mls: persist conversation after external commit: %w", err)
		}
	}
	// kpConsumer is unused here: an external joiner's own KeyPackage is
	// never drawn from this client's offered pool.
	return DecryptResult{Kind: DecryptResultCommitExternal}, nil
}
