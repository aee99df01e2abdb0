package central

import (
	"context"
	"fmt"

	"github.com/e2eicore/corecrypto/coreerr"
	"github.com/e2eicore/corecrypto/identity"
	"github.com/e2eicore/corecrypto/keystore"
	"github.com/e2eicore/corecrypto/mls"
)

// NewConversation creates a brand-new conversation and inserts it into the
// in-memory group map, matching the original's new_conversation (delegate
// creation, then insert).
func (c *Central) NewConversation(ctx context.Context, id mls.ConversationID, credType identity.CredentialType, cfg mls.Configuration) (*mls.Conversation, error) {
	if c.client == nil {
		return nil, fmt.Errorf("central: client not initialized")
	}
	c.groupsMu.RLock()
	_, exists := c.groups[groupKey(id)]
	c.groupsMu.RUnlock()
	if exists {
		return nil, coreerr.New(coreerr.ConversationAlreadyExists, "NewConversation")
	}

	bundle, err := c.client.MostRecentBundle(cfg.Ciphersuite, credType)
	if err != nil {
		return nil, err
	}
	kpp, err := identity.GenerateKeyPairPackage(cfg.Ciphersuite, bundle)
	if err != nil {
		return nil, fmt.Errorf("central: generate founding key package: %w", err)
	}

	conv, _, err := mls.Create(id, *kpp, cfg)
	if err != nil {
		return nil, err
	}
	if err := conv.Persist(ctx, c.store); err != nil {
		return nil, fmt.Errorf("central: persist new conversation: %w", err)
	}

	c.groupsMu.Lock()
	c.groups[groupKey(id)] = &groupHandle{conv: conv}
	c.groupsMu.Unlock()
	return conv, nil
}

// ConversationExists reports whether id is loaded or persisted.
func (c *Central) ConversationExists(ctx context.Context, id mls.ConversationID) bool {
	_, err := c.getFetch(ctx, id)
	return err == nil
}

// ConversationEpoch returns the conversation's current epoch.
func (c *Central) ConversationEpoch(ctx context.Context, id mls.ConversationID) (uint64, error) {
	conv, err := c.getFetch(ctx, id)
	if err != nil {
		return 0, err
	}
	return conv.Epoch(), nil
}

// GetConversation returns the live Conversation for id, per-group locking
// left to the caller (the spec's exclusive/shared lock is implemented by
// callers wrapping reads in groupHandle.mu.RLock and writes in
// groupHandle.mu.Lock around calls into *mls.Conversation, since
// Conversation itself only protects its own internal fields).
func (c *Central) GetConversation(ctx context.Context, id mls.ConversationID) (*mls.Conversation, error) {
	return c.getFetch(ctx, id)
}

// getFetch is the spec's get_fetch pattern: check the in-memory map first;
// on a miss, load from the keystore, insert, and return — never hit the
// keystore twice for the same id within one process lifetime.
func (c *Central) getFetch(ctx context.Context, id mls.ConversationID) (*mls.Conversation, error) {
	c.groupsMu.RLock()
	handle, ok := c.groups[groupKey(id)]
	c.groupsMu.RUnlock()
	if ok {
		handle.mu.RLock()
		defer handle.mu.RUnlock()
		return handle.conv, nil
	}

	row, err := c.store.Find(ctx, keystore.KindMlsGroup, []byte(id))
	if err != nil {
		return nil, coreerr.New(coreerr.ConversationNotFound, "getFetch")
	}
	conv, err := mls.FromSerializedState(row)
	if err != nil {
		return nil, fmt.Errorf("central: restore conversation: %w", err)
	}

	c.groupsMu.Lock()
	if existing, raced := c.groups[groupKey(id)]; raced {
		c.groupsMu.Unlock()
		return existing.conv, nil
	}
	c.groups[groupKey(id)] = &groupHandle{conv: conv}
	c.groupsMu.Unlock()
	return conv, nil
}

// restoreGroups loads every persisted conversation from the keystore into
// the in-memory map, run once at startup (matches the original's
// restore_groups, invoked from try_new/try_new_in_memory).
func (c *Central) restoreGroups(ctx context.Context) error {
	rows, err := c.store.FindAll(ctx, keystore.KindMlsGroup, keystore.FindParams{})
	if err != nil {
		return fmt.Errorf("central: restore groups: %w", err)
	}
	for _, row := range rows {
		conv, err := mls.FromSerializedState(row)
		if err != nil {
			return fmt.Errorf("central: restore conversation: %w", err)
		}
		key := groupKey(conv.ID())
		if _, exists := c.groups[key]; exists {
			continue // a conflicting in-memory entry wins; matches original's try_insert break-on-conflict
		}
		c.groups[key] = &groupHandle{conv: conv}
	}
	return nil
}

// RestoreFromDisk re-reads every persisted conversation from the keystore,
// replacing the in-memory copies. This is the cross-process synchronization
// path: a second Central instance sharing the same store file picks up
// commits the first instance persisted, without restarting the process.
func (c *Central) RestoreFromDisk(ctx context.Context) error {
	c.groupsMu.Lock()
	c.groups = make(map[string]*groupHandle)
	c.groupsMu.Unlock()
	return c.restoreGroups(ctx)
}

// ProcessWelcomeMessage joins a conversation from a Welcome message and
// inserts it into the group map. The welcome may target any KeyPackage
// this client has offered, across any credential bundle — it tries each of
// the welcome's recipient references against the client's own keystore
// rather than assuming the most recent Basic bundle, so an X.509 join works
// identically to a Basic one. A welcome that names no KeyPackage this
// client still holds (never published, already consumed, or expired) fails
// with coreerr.KeyPackageConsumedOrExpired, per spec §4.4.2; the matched
// KeyPackage is consumed (deleted from the offered pool) only once the join
// itself succeeds.
func (c *Central) ProcessWelcomeMessage(ctx context.Context, welcome []byte, cfg mls.Configuration) (*mls.Conversation, error) {
	if c.client == nil {
		return nil, fmt.Errorf("central: client not initialized")
	}
	refs, err := mls.WelcomeRecipientReferences(welcome)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedWelcome, "ProcessWelcomeMessage", err)
	}

	var kpp *identity.KeyPairPackage
	var matchedRef []byte
	for _, ref := range refs {
		found, err := c.client.FindKeyPackageByReference(ctx, ref)
		if err != nil {
			continue
		}
		kpp = found
		matchedRef = ref
		break
	}
	if kpp == nil {
		return nil, coreerr.New(coreerr.KeyPackageConsumedOrExpired, "ProcessWelcomeMessage")
	}

	conv, err := mls.FromWelcomeMessage(welcome, *kpp, cfg)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.MalformedWelcome, "ProcessWelcomeMessage", err)
	}
	if err := conv.Persist(ctx, c.store); err != nil {
		return nil, fmt.Errorf("central: persist joined conversation: %w", err)
	}
	if err := c.client.ConsumeKeyPackages(ctx, [][]byte{matchedRef}); err != nil {
		return nil, fmt.Errorf("central: consume welcomed key package: %w", err)
	}

	c.groupsMu.Lock()
	c.groups[groupKey(conv.ID())] = &groupHandle{conv: conv}
	c.groupsMu.Unlock()
	return conv, nil
}

// CommitAccepted merges id's pending locally-issued commit, persisting the
// advanced group and consuming any KeyPackages it used through the
// client's own pool in the same call — the wrapper spec §4.4.1's
// PendingLocalCommit→Stable transition needs so that the advanced epoch
// always reaches disk before a caller is told the commit landed.
func (c *Central) CommitAccepted(ctx context.Context, id mls.ConversationID) error {
	conv, err := c.getFetch(ctx, id)
	if err != nil {
		return err
	}
	c.groupsMu.RLock()
	handle := c.groups[groupKey(id)]
	c.groupsMu.RUnlock()
	if handle != nil {
		handle.mu.Lock()
		defer handle.mu.Unlock()
	}
	return conv.CommitAccepted(ctx, c.store, c.client)
}

// DecryptMessage processes one incoming wire message for id, persisting any
// epoch advance and consuming any KeyPackages a merged commit used through
// the client's own pool in the same call.
func (c *Central) DecryptMessage(ctx context.Context, id mls.ConversationID, ciphertext []byte) (mls.DecryptResult, error) {
	conv, err := c.getFetch(ctx, id)
	if err != nil {
		return mls.DecryptResult{}, err
	}
	c.groupsMu.RLock()
	handle := c.groups[groupKey(id)]
	c.groupsMu.RUnlock()
	if handle != nil {
		handle.mu.Lock()
		defer handle.mu.Unlock()
	}
	return conv.DecryptMessage(ctx, c.store, c.client, ciphertext)
}

// ExportPublicGroupState exports id's current PublicGroupState, the object
// an external-commit joiner fetches out-of-band to call
// mls.JoinByExternalCommit.
func (c *Central) ExportPublicGroupState(ctx context.Context, id mls.ConversationID) ([]byte, error) {
	conv, err := c.getFetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.ExportPublicGroupState()
}
