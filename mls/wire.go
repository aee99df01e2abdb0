package mls

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/e2eicore/corecrypto/identity"
)

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("mls: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("mls: decode: %w", err)
	}
	return nil
}

// member is one group leaf: the identity and key material needed to target
// a Welcome or verify a commit's signer.
type member struct {
	Identity       []byte
	CredentialType identity.CredentialType
	SignatureKey   []byte
	HPKEPublicKey  []byte
}

func memberFromKeyPackage(kp identity.KeyPackage) member {
	return member{
		Identity:       kp.Identity,
		CredentialType: kp.CredentialType,
		SignatureKey:   []byte(kp.SignatureKey),
		HPKEPublicKey:  kp.HPKEPublicKey,
	}
}

func membersFromKeyPackages(kps []identity.KeyPackage) []member {
	out := make([]member, 0, len(kps))
	for _, kp := range kps {
		out = append(out, memberFromKeyPackage(kp))
	}
	return out
}

// commitKind discriminates what a commit frame's payload changes.
type commitKind uint8

const (
	commitKindAdd commitKind = iota
	commitKindRemove
	commitKindUpdate
)

// commitPayload is the plaintext sealed inside a Commit frame (AEAD-sealed
// under the pre-commit epoch's handshake key — every current member holds
// that key, so every current member can apply the same membership change).
type commitPayload struct {
	Kind               commitKind
	CommitSecret       []byte
	AddedKeyPackages   []identity.KeyPackage
	RemovedLeafIndices []uint32
}

// envelopeKind discriminates the two shapes a returned "commit"/"ciphertext"
// blob can take: an ordinary wireFrame (keyed by an epoch the recipient
// already shares), or an externalCommitMessage (keyed by the exported
// external public key, readable by current members without the sender
// having ever held an epoch secret).
type envelopeKind uint8

const (
	envelopeWireFrame envelopeKind = iota
	envelopeExternalCommit
)

type envelope struct {
	Kind    envelopeKind
	Payload []byte
}

// frameType discriminates an application message from a handshake (commit)
// message within a wireFrame. Proposals are not modeled as a distinct
// standalone message: AddMembers/RemoveMembers/UpdateKeyingMaterial each
// produce a self-contained commit directly, matching the original's
// propose-and-commit-in-one-step API surface.
type frameType uint8

const (
	frameApplication frameType = iota
	frameCommit
)

// wireFrame is the envelope payload for an in-epoch message: its AEAD key
// is derived from an epoch secret this conversation holds (current or
// within MaxPastEpochs of history), never transmitted itself.
type wireFrame struct {
	Type        frameType
	GroupID     []byte
	Epoch       uint64
	SenderIndex uint32
	Generation  uint32
	Ciphertext  []byte
}

func (f wireFrame) aad() ([]byte, error) {
	return gobEncode(struct {
		Type        frameType
		GroupID     []byte
		Epoch       uint64
		SenderIndex uint32
		Generation  uint32
	}{f.Type, f.GroupID, f.Epoch, f.SenderIndex, f.Generation})
}

// externalCommitMessage carries a joiner's self-addition, HPKE-sealed to
// the target epoch's published external public key so that only current
// group members (who hold the matching external private key) can read it.
type externalCommitMessage struct {
	GroupID []byte
	Epoch   uint64
	Enc     []byte
	Ciphertext []byte
}

type externalCommitPayload struct {
	CommitSecret []byte
	Joiner       member
}

// welcomeRecipient is one joiner's entry in a welcome message: its own
// KeyPackage reference (so it knows which entry is its own) and an
// independently HPKE-sealed copy of the joined group's info.
type welcomeRecipient struct {
	KeyPackageRef []byte
	Enc           []byte
	Ciphertext    []byte
}

type welcomeGroupInfo struct {
	GroupID       []byte
	Epoch         uint64
	Members       []member
	EpochSecret   []byte
	ExternalPub   []byte
	ExternalPriv  []byte
	Admins        [][]byte
	Config        Configuration
}

type welcomeMessage struct {
	Recipients []welcomeRecipient
}

// WelcomeRecipientReferences returns the KeyPackage references a Welcome
// message targets, in the order they appear in the message. Callers use
// this to find which (if any) locally-held KeyPackage the welcome was
// sealed against before calling FromWelcomeMessage — see
// central.ProcessWelcomeMessage.
func WelcomeRecipientReferences(welcome []byte) ([][]byte, error) {
	var wm welcomeMessage
	if err := gobDecode(welcome, &wm); err != nil {
		return nil, err
	}
	refs := make([][]byte, 0, len(wm.Recipients))
	for _, r := range wm.Recipients {
		refs = append(refs, r.KeyPackageRef)
	}
	return refs, nil
}

// publicGroupState is the object ExportPublicGroupState hands callers: the
// current membership and the epoch's published external public key, but
// never the epoch secret itself, matching RFC 9420's GroupInfo design
// intent (a PublicGroupState is handed to arbitrary external joiners, so it
// must not leak confidential key-schedule material).
type publicGroupState struct {
	GroupID     []byte
	Epoch       uint64
	Members     []member
	Admins      [][]byte
	Config      Configuration
	ExternalPub []byte
}
