// Package mls implements the MLS conversation component (C4): the state
// machine wrapped around one group's membership, epoch secret history, and
// message framing. No published Go library implements RFC 9420's group
// engine (see DESIGN.md's "in-house MLS engine" entry, grounded on
// germtb/mlsgit's own documented precedent for hand-rolling MLS-like
// semantics in the absence of one) — so package mls owns the engine itself
// (groupstate.go, wire.go), built entirely on package crypto's HPKE/AEAD
// primitives (github.com/cloudflare/circl, golang.org/x/crypto), the same
// dependencies a real Go MLS implementation would be built on. The state
// machine shape below is grounded on the original Rust implementation's
// crypto/src/conversation.rs.
package mls

import (
	"time"

	"github.com/e2eicore/corecrypto/identity"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
)

// ConversationID names a group. Byte-exact equality only; never compared
// lexicographically or used to imply ordering between groups.
type ConversationID []byte

// Numeric MLS group-policy defaults, unchanged from the original
// implementation's openmls_default_configuration(): three past epochs of
// decryption secrets retained (tolerating reordered delivery across a
// commit), 16-byte padding granularity, one resumption secret retained, a
// sender-ratchet tolerance of 2 out-of-order and 5 forward-jumped messages,
// and a wire-format policy that allows either plaintext or ciphertext
// handshake messages (mixed).
const (
	DefaultMaxPastEpochs               = 3
	DefaultPaddingSize                 = 16
	DefaultNumberOfResumptionSecrets   = 1
	DefaultSenderRatchetOutOfOrder     = 2
	DefaultSenderRatchetMaxForwardJump = 5
)

// WireFormatPolicy controls whether handshake messages may be sent as MLS
// plaintext, ciphertext, or either.
type WireFormatPolicy uint8

const (
	WireFormatMixed WireFormatPolicy = iota
	WireFormatPlaintextOnly
	WireFormatCiphertextOnly
)

// Configuration is a new conversation's creation-time policy, mirroring the
// original MlsConversationConfiguration builder.
type Configuration struct {
	ExtraMembers    []identity.KeyPackage
	Admins          [][]byte
	Ciphersuite     corecrypto.Ciphersuite
	KeyRotationSpan time.Duration // caller responsibility; corecrypto never schedules rotation itself (Open Question, see DESIGN.md)

	MaxPastEpochs               int
	PaddingSize                 int
	NumberOfResumptionSecrets   int
	SenderRatchetOutOfOrder     int
	SenderRatchetMaxForwardJump int
	WireFormatPolicy            WireFormatPolicy
}

// DefaultConfiguration returns a Configuration with every numeric policy
// field set to the spec's required defaults, for the given ciphersuite.
func DefaultConfiguration(cs corecrypto.Ciphersuite) Configuration {
	return Configuration{
		Ciphersuite:                 cs,
		MaxPastEpochs:               DefaultMaxPastEpochs,
		PaddingSize:                 DefaultPaddingSize,
		NumberOfResumptionSecrets:   DefaultNumberOfResumptionSecrets,
		SenderRatchetOutOfOrder:     DefaultSenderRatchetOutOfOrder,
		SenderRatchetMaxForwardJump: DefaultSenderRatchetMaxForwardJump,
		WireFormatPolicy:            WireFormatMixed,
	}
}

func (c Configuration) withDefaults() Configuration {
	if c.MaxPastEpochs == 0 {
		c.MaxPastEpochs = DefaultMaxPastEpochs
	}
	if c.PaddingSize == 0 {
		c.PaddingSize = DefaultPaddingSize
	}
	if c.NumberOfResumptionSecrets == 0 {
		c.NumberOfResumptionSecrets = DefaultNumberOfResumptionSecrets
	}
	if c.SenderRatchetOutOfOrder == 0 {
		c.SenderRatchetOutOfOrder = DefaultSenderRatchetOutOfOrder
	}
	if c.SenderRatchetMaxForwardJump == 0 {
		c.SenderRatchetMaxForwardJump = DefaultSenderRatchetMaxForwardJump
	}
	return c
}
