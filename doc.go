// Package corecrypto implements a client-side cryptographic engine for
// group messaging over the Messaging Layer Security protocol (RFC 9420),
// alongside a pairwise Proteus/Double-Ratchet session engine, end-to-end
// identity (E2EI) certificate enrollment, and an encrypted-at-rest
// keystore. It is meant to run embedded inside a messaging client (mobile,
// desktop, web) behind a single façade per protocol: package central for
// MLS groups, package proteus for pairwise sessions.
//
// # Getting Started
//
// Open a Central backed by a local encrypted store, initialize a client
// identity, and create a group:
//
//	ctx := context.Background()
//	c, err := central.New(ctx, central.Configuration{
//	    StorePath:   "/var/lib/app/corecrypto.db",
//	    IdentityKey: masterKey, // 32+ bytes of caller-supplied entropy
//	    Ciphersuites: []crypto.Ciphersuite{crypto.DefaultCiphersuite},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	if err := c.Init(ctx, identity.ClientID("alice:device1"), crypto.DefaultCiphersuite); err != nil {
//	    log.Fatal(err)
//	}
//
//	conv, err := c.NewConversation(ctx, groupID, identity.CredentialBasic, mls.DefaultConfiguration(crypto.DefaultCiphersuite))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ciphertext, err := conv.EncryptMessage([]byte("hello"))
//
// # Core Components
//
// The package is split along the spec's six components, one Go package
// each:
//
//   - [keystore]: encrypted-at-rest CRUD storage (C1), two backends
//   - [crypto]: ciphersuites, keypairs, and the HPKE/provider wiring (C2)
//   - [identity]: per-client credential bundles and key packages (C3)
//   - [mls]: one MLS group's handshake state machine (C4)
//   - [central]: the MLS group store, client lifecycle, and E2EI
//     classifier (C5)
//   - [proteus]: pairwise double-ratchet sessions (C6)
//   - [e2ei]: the ACME enrollment client half feeding X.509 credentials
//     into package identity
//
// # Concurrency
//
// Each Central instance is safe for concurrent use by multiple goroutines:
// every MLS group is guarded by its own read-write lock, acquired shared
// for reads (members, E2EI state) and exclusive for the full duration of
// any handshake-processing or mutating call, including its persistence
// step. Two process instances must never share the same store file
// concurrently; use Central.RestoreFromDisk after an external process has
// mutated it.
//
// # Error Handling
//
// Every failure mode the core must distinguish is a [coreerr.Error] tagged
// with a stable [coreerr.Code]; callers that need to branch on a specific
// failure should compare with errors.Is against a sentinel built from
// coreerr.New, not by matching error strings.
package corecrypto
