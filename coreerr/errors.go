// Package coreerr defines the error taxonomy shared across corecrypto,
// mirroring the error-kind list the spec calls out: every operation that can
// fail returns one of these Codes wrapped in an Error, so callers can branch
// on errors.As without depending on message text.
package coreerr

import "fmt"

// Code classifies a failure. Values match the error kinds the conversation,
// central, keystore and proteus components are required to distinguish.
type Code int

const (
	// Unknown is never returned deliberately; its presence in a log means a
	// code path forgot to classify its error.
	Unknown Code = iota

	// Keystore errors (C1).
	KeystoreMissingKey
	KeystoreDecryptionFailure
	KeystoreTransactionFailure
	KeystoreMalformedEntity

	// Configuration errors (C5 §6).
	MalformedIdentifier

	// Client identity errors (C3).
	NoCredentialForCiphersuite
	KeyPackageExhausted
	KeyPackageConsumedOrExpired

	// Conversation / group errors (C4).
	ConversationNotFound
	ConversationAlreadyExists
	StaleCommit
	PendingCommitAlreadyExists
	NoPendingCommit
	DuplicateMessage
	WrongEpoch
	OrphanWelcome
	MalformedWelcome
	LockPoisonError

	// External commit errors (C4 §4.4.1-3).
	CallbacksNotSet
	UnauthorizedExternalCommit
	StaleProposal

	// Proteus errors (C6).
	ProteusNotInitialized
	ProteusSessionNotFound
	ProteusDecryptionFailure
	ProteusRemoteIdentityChanged

	// E2EI errors (§4.7).
	E2eiEnrollmentNotFound
	E2eiInvalidState
)

var names = map[Code]string{
	Unknown:                      "unknown",
	KeystoreMissingKey:           "keystore_missing_key",
	KeystoreDecryptionFailure:    "keystore_decryption_failure",
	KeystoreTransactionFailure:   "keystore_transaction_failure",
	KeystoreMalformedEntity:      "keystore_malformed_entity",
	MalformedIdentifier:          "malformed_identifier",
	NoCredentialForCiphersuite:   "no_credential_for_ciphersuite",
	KeyPackageExhausted:          "key_package_exhausted",
	KeyPackageConsumedOrExpired:  "key_package_consumed_or_expired",
	ConversationNotFound:         "conversation_not_found",
	ConversationAlreadyExists:    "conversation_already_exists",
	StaleCommit:                  "stale_commit",
	PendingCommitAlreadyExists:   "pending_commit_already_exists",
	NoPendingCommit:              "no_pending_commit",
	DuplicateMessage:             "duplicate_message",
	WrongEpoch:                   "wrong_epoch",
	OrphanWelcome:                "orphan_welcome",
	MalformedWelcome:             "malformed_welcome",
	LockPoisonError:              "lock_poison_error",
	CallbacksNotSet:              "callbacks_not_set",
	UnauthorizedExternalCommit:   "unauthorized_external_commit",
	StaleProposal:                "stale_proposal",
	ProteusNotInitialized:        "proteus_not_initialized",
	ProteusSessionNotFound:       "proteus_session_not_found",
	ProteusDecryptionFailure:     "proteus_decryption_failure",
	ProteusRemoteIdentityChanged: "proteus_remote_identity_changed",
	E2eiEnrollmentNotFound:       "e2ei_enrollment_not_found",
	E2eiInvalidState:             "e2ei_invalid_state",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "unknown"
}

// Error wraps a Code with the failing operation and, if any, the underlying
// cause. It implements Unwrap so errors.Is/errors.As work against both the
// Code and the wrapped cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, coreerr.E(SomeCode)) match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an *Error with no wrapped cause, used as a sentinel for
// errors.Is comparisons (e.g. coreerr.New(coreerr.ConversationNotFound, "")).
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}
