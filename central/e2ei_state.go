package central

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/e2eicore/corecrypto/mls"
)

// E2eiConversationState is the tri-valued classification spec.md §4.5
// assigns to a conversation based on its members' leaf credentials.
type E2eiConversationState uint8

const (
	// E2eiNotEnabled means every member uses a Basic (non-X.509) credential.
	E2eiNotEnabled E2eiConversationState = iota
	// E2eiDegraded means at least one member is not currently a valid,
	// unexpired X.509 credential — mixed Basic/X.509, or all-X.509 with one
	// or more expired, including the all-expired case.
	E2eiDegraded
	// E2eiVerified means every member presents a currently valid X.509
	// credential.
	E2eiVerified
)

func (s E2eiConversationState) String() string {
	switch s {
	case E2eiVerified:
		return "verified"
	case E2eiDegraded:
		return "degraded"
	default:
		return "not_enabled"
	}
}

// leafStatus is one member's classification per spec.md §4.5: basic members
// are neither valid nor invalid, they simply don't participate in the fold.
type leafStatus uint8

const (
	leafBasic leafStatus = iota
	leafValid
	leafInvalid
)

// classifyLeaf inspects one member's wire identity. A Basic credential's
// identity is the raw Ed25519 public key and never parses as a certificate;
// an X.509 credential's identity is the leaf certificate's DER encoding
// (see identity.CredentialIdentity). Parse failure or a certificate outside
// its validity window is leafInvalid; a successful parse within the window
// is leafValid; anything that doesn't parse as a certificate at all is
// leafBasic.
func classifyLeaf(identity []byte, now time.Time) leafStatus {
	cert, err := x509.ParseCertificate(identity)
	if err != nil {
		return leafBasic
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return leafInvalid
	}
	return leafValid
}

// E2eiConversationState classifies id per spec.md §4.5's fold: basic
// members are ignored, and the result follows whichever of valid/invalid
// is present. Pending proposals and pending commits are ignored by design —
// classification only ever looks at the group's currently merged members.
func (c *Central) E2eiConversationState(ctx context.Context, id mls.ConversationID) (E2eiConversationState, error) {
	conv, err := c.getFetch(ctx, id)
	if err != nil {
		return E2eiNotEnabled, err
	}

	now := time.Now()
	var sawValid, sawInvalid bool
	for identity := range conv.Members() {
		switch classifyLeaf([]byte(identity), now) {
		case leafValid:
			sawValid = true
		case leafInvalid:
			sawInvalid = true
		}
	}

	switch {
	case sawValid && !sawInvalid:
		return E2eiVerified, nil
	case sawValid && sawInvalid:
		return E2eiDegraded, nil
	case !sawValid && sawInvalid:
		return E2eiDegraded, nil
	default:
		return E2eiNotEnabled, nil
	}
}
