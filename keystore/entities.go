package keystore

// EntityKind tags the persisted row types the rest of corecrypto stores.
// It is folded into the AEAD associated data on every row so that a
// ciphertext stolen from one kind's column can never be decrypted and
// mistaken for another kind's row (spec requirement: per-entity associated
// data binding kind-tag + primary key).
type EntityKind uint8

const (
	KindMlsCredential EntityKind = iota + 1
	KindMlsSignatureKeyPair
	KindMlsHpkePrivateKey
	KindMlsEncryptionKeyPair
	KindMlsKeyPackage
	KindMlsGroup
	KindMlsPendingGroup
	KindE2eiEnrollment
	KindProteusIdentity
	KindProteusPrekey
	KindProteusSession
)

func (k EntityKind) String() string {
	switch k {
	case KindMlsCredential:
		return "mls_credential"
	case KindMlsSignatureKeyPair:
		return "mls_signature_keypair"
	case KindMlsHpkePrivateKey:
		return "mls_hpke_private_key"
	case KindMlsEncryptionKeyPair:
		return "mls_encryption_keypair"
	case KindMlsKeyPackage:
		return "mls_keypackage"
	case KindMlsGroup:
		return "mls_group"
	case KindMlsPendingGroup:
		return "mls_pending_group"
	case KindE2eiEnrollment:
		return "e2ei_enrollment"
	case KindProteusIdentity:
		return "proteus_identity"
	case KindProteusPrekey:
		return "proteus_prekey"
	case KindProteusSession:
		return "proteus_session"
	default:
		return "unknown"
	}
}

// Entity is anything the keystore can persist. PrimaryKey is the raw key
// bytes that both address the row and feed the AEAD associated data; Bytes
// is the opaque payload to encrypt (callers are responsible for encoding
// their own structures, e.g. with encoding/gob or a protobuf, before
// calling Save).
type Entity interface {
	Kind() EntityKind
	PrimaryKey() []byte
	Bytes() []byte
}

// Raw is the generic Entity implementation every typed wrapper below
// flattens down to before it reaches the Store.
type Raw struct {
	EntityKind EntityKind
	Key        []byte
	Payload    []byte
}

func (r Raw) Kind() EntityKind    { return r.EntityKind }
func (r Raw) PrimaryKey() []byte  { return r.Key }
func (r Raw) Bytes() []byte       { return r.Payload }

// MlsCredential is one (ciphersuite, credential type) keypair+certificate
// bundle for a client, keyed by its public signature key.
type MlsCredential struct {
	SignaturePublicKey []byte
	CredentialType     uint8
	Ciphersuite        uint16
	CreatedAtUnix      int64
	Payload            []byte // gob-encoded CredentialBundle
}

func (c MlsCredential) Kind() EntityKind   { return KindMlsCredential }
func (c MlsCredential) PrimaryKey() []byte { return c.SignaturePublicKey }
func (c MlsCredential) Bytes() []byte      { return c.Payload }

// MlsKeyPackage is one unused KeyPackage offered to the network, keyed by
// its reference hash.
type MlsKeyPackage struct {
	Reference []byte
	Payload   []byte
}

func (k MlsKeyPackage) Kind() EntityKind   { return KindMlsKeyPackage }
func (k MlsKeyPackage) PrimaryKey() []byte { return k.Reference }
func (k MlsKeyPackage) Bytes() []byte      { return k.Payload }

// MlsGroup is one established conversation's serialized group state, keyed
// by its conversation id.
type MlsGroup struct {
	ConversationID []byte
	Payload        []byte
}

func (g MlsGroup) Kind() EntityKind   { return KindMlsGroup }
func (g MlsGroup) PrimaryKey() []byte { return g.ConversationID }
func (g MlsGroup) Bytes() []byte      { return g.Payload }

// MlsPendingGroup is a group awaiting merge after join_by_external_commit,
// kept in a partition separate from MlsGroup (spec invariant: a group is
// either fully joined or pending, never both at once).
type MlsPendingGroup struct {
	ConversationID []byte
	Payload        []byte
}

func (g MlsPendingGroup) Kind() EntityKind   { return KindMlsPendingGroup }
func (g MlsPendingGroup) PrimaryKey() []byte { return g.ConversationID }
func (g MlsPendingGroup) Bytes() []byte      { return g.Payload }

// ProteusIdentity is the single long-term identity keypair for the local
// Proteus actor.
type ProteusIdentity struct {
	Payload []byte
}

func (p ProteusIdentity) Kind() EntityKind   { return KindProteusIdentity }
func (p ProteusIdentity) PrimaryKey() []byte { return []byte("proteus_identity") }
func (p ProteusIdentity) Bytes() []byte      { return p.Payload }

// ProteusPrekey is one offered-but-not-yet-consumed Proteus prekey, keyed
// by its numeric prekey id (big-endian encoded).
type ProteusPrekey struct {
	ID      []byte
	Payload []byte
}

func (p ProteusPrekey) Kind() EntityKind   { return KindProteusPrekey }
func (p ProteusPrekey) PrimaryKey() []byte { return p.ID }
func (p ProteusPrekey) Bytes() []byte      { return p.Payload }

// ProteusSession is one established Proteus double-ratchet session, keyed
// by its session identifier (typically "<user>_<client>").
type ProteusSession struct {
	SessionID []byte
	Payload   []byte
}

func (s ProteusSession) Kind() EntityKind   { return KindProteusSession }
func (s ProteusSession) PrimaryKey() []byte { return s.SessionID }
func (s ProteusSession) Bytes() []byte      { return s.Payload }

// E2eiEnrollment is the in-progress bookkeeping for one ACME enrollment
// attempt, keyed by its enrollment id.
type E2eiEnrollment struct {
	EnrollmentID []byte
	Payload      []byte
}

func (e E2eiEnrollment) Kind() EntityKind   { return KindE2eiEnrollment }
func (e E2eiEnrollment) PrimaryKey() []byte { return e.EnrollmentID }
func (e E2eiEnrollment) Bytes() []byte      { return e.Payload }
