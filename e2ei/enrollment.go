// Package e2ei implements the client half of end-to-end identity
// enrollment: the ACME order/challenge/finalize state machine that turns a
// freshly generated signing key into an X.509 certificate chain suitable
// for identity.Client.BindX509Bundle. Serving the challenge response itself
// (http-01 or dns-01) is the caller's job; this package only drives the
// ACME protocol exchange, matching the scope boundary drawn around the CA
// and network transport.
package e2ei

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/gob"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"golang.org/x/crypto/acme"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
	"github.com/e2eicore/corecrypto/coreerr"
	"github.com/e2eicore/corecrypto/corelog"
	"github.com/e2eicore/corecrypto/keystore"
)

// NewEnrollmentID mints a fresh enrollment id for callers that don't already
// have a natural one (e.g. a backend-assigned request id) to scope a new
// enrollment attempt by.
func NewEnrollmentID() string { return uuid.NewString() }

// State is the enrollment's ACME-order-lifecycle state machine.
type State uint8

const (
	StateFresh State = iota
	StateOrderCreated
	StateChallengeReady
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateOrderCreated:
		return "order_created"
	case StateChallengeReady:
		return "challenge_ready"
	case StateFinalized:
		return "finalized"
	default:
		return "fresh"
	}
}

// record is the gob-encoded payload behind one E2eiEnrollment keystore row.
type record struct {
	State        State
	DirectoryURL string
	Identities   []string
	AccountKeyD  []byte // ECDSA P-256 account key, scalar bytes
	SigSeed      [32]byte
	OrderURL     string
	AuthzURLs    []string
	FinalizeURL  string
}

// Enrollment drives one ACME enrollment attempt to completion.
type Enrollment struct {
	id    string
	store keystore.Store
	rec   record
	sig   *corecrypto.SignatureKeyPair

	client *acme.Client
}

// New starts a fresh enrollment for the given identities (SANs; typically
// a single Wire user/device handle encoded as a URI or DNS identity,
// depending on the CA's authorization policy), generating a new ACME
// account key and a new MLS-facing Ed25519 signing key.
func New(ctx context.Context, store keystore.Store, id, directoryURL string, identities []string) (*Enrollment, error) {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("e2ei: generate account key: %w", err)
	}
	sig, err := corecrypto.GenerateSignatureKeyPair()
	if err != nil {
		return nil, fmt.Errorf("e2ei: generate signing key: %w", err)
	}
	var seed [32]byte
	copy(seed[:], sig.Private.Seed())

	e := &Enrollment{
		id:    id,
		store: store,
		sig:   sig,
		rec: record{
			State:        StateFresh,
			DirectoryURL: directoryURL,
			Identities:   identities,
			AccountKeyD:  accountKey.D.Bytes(),
			SigSeed:      seed,
		},
		client: &acme.Client{Key: accountKey, DirectoryURL: directoryURL},
	}
	if err := e.persist(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Resume reloads an in-progress enrollment by id, the crash-recovery path:
// the ACME server's own idempotency (re-fetching an order or authorization
// by URL is always safe) lets the caller simply re-drive whichever step the
// recorded State says comes next.
func Resume(ctx context.Context, store keystore.Store, id string) (*Enrollment, error) {
	row, err := store.Find(ctx, keystore.KindE2eiEnrollment, []byte(id))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.E2eiEnrollmentNotFound, "Resume", err)
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(row)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("e2ei: decode enrollment: %w", err)
	}
	accountKey := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: elliptic.P256()}}
	accountKey.D = new(big.Int).SetBytes(rec.AccountKeyD)
	accountKey.PublicKey.X, accountKey.PublicKey.Y = elliptic.P256().ScalarBaseMult(rec.AccountKeyD)

	sig, err := corecrypto.SignatureKeyPairFromSeed(rec.SigSeed)
	if err != nil {
		return nil, fmt.Errorf("e2ei: restore signing key: %w", err)
	}
	return &Enrollment{
		id:     id,
		store:  store,
		sig:    sig,
		rec:    rec,
		client: &acme.Client{Key: accountKey, DirectoryURL: rec.DirectoryURL},
	}, nil
}

func (e *Enrollment) persist(ctx context.Context) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e.rec); err != nil {
		return fmt.Errorf("e2ei: encode enrollment: %w", err)
	}
	return e.store.Save(ctx, keystore.E2eiEnrollment{EnrollmentID: []byte(e.id), Payload: buf.Bytes()})
}

// State reports the enrollment's current lifecycle state.
func (e *Enrollment) State() State { return e.rec.State }

// SignatureKeyPair returns the Ed25519 key this enrollment's certificate is
// bound to; pass it to identity.Client.BindX509Bundle alongside the chain
// FinalizeOrder returns.
func (e *Enrollment) SignatureKeyPair() *corecrypto.SignatureKeyPair { return e.sig }

// CreateOrder discovers the CA directory, registers the ACME account (a
// no-op if already registered), and opens an order for every configured
// identity, transitioning Fresh -> OrderCreated.
func (e *Enrollment) CreateOrder(ctx context.Context) error {
	log := corelog.New("e2ei", "CreateOrder").WithField("enrollment_id", e.id)
	if e.rec.State != StateFresh {
		return fmt.Errorf("e2ei: create order: invalid state %s", e.rec.State)
	}

	if _, err := e.client.Discover(ctx); err != nil {
		return fmt.Errorf("e2ei: discover directory: %w", err)
	}
	if _, err := e.client.Register(ctx, &acme.Account{}, acme.AcceptTOS); err != nil {
		return fmt.Errorf("e2ei: register account: %w", err)
	}

	authzIDs := make([]acme.AuthzID, 0, len(e.rec.Identities))
	for _, ident := range e.rec.Identities {
		authzIDs = append(authzIDs, acme.AuthzID{Type: "dns", Value: ident})
	}
	order, err := e.client.AuthorizeOrder(ctx, authzIDs)
	if err != nil {
		return fmt.Errorf("e2ei: authorize order: %w", err)
	}

	e.rec.OrderURL = order.URI
	e.rec.AuthzURLs = append([]string(nil), order.AuthzURLs...)
	e.rec.State = StateOrderCreated
	log.Info("order created")
	return e.persist(ctx)
}

// FetchChallenges returns, for each pending authorization, the challenge of
// the requested type (e.g. "http-01" or "dns-01"). The caller is
// responsible for serving the challenge response out of band before
// calling AcceptChallenges.
func (e *Enrollment) FetchChallenges(ctx context.Context, challengeType string) ([]*acme.Challenge, error) {
	if e.rec.State != StateOrderCreated {
		return nil, fmt.Errorf("e2ei: fetch challenges: invalid state %s", e.rec.State)
	}
	out := make([]*acme.Challenge, 0, len(e.rec.AuthzURLs))
	for _, authzURL := range e.rec.AuthzURLs {
		authz, err := e.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("e2ei: get authorization: %w", err)
		}
		var found *acme.Challenge
		for _, chal := range authz.Challenges {
			if chal.Type == challengeType {
				found = chal
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("e2ei: no %s challenge offered for authorization %s", challengeType, authzURL)
		}
		out = append(out, found)
	}
	return out, nil
}

// AcceptChallenges tells the CA the challenges are ready to be validated
// and waits for every authorization to become valid, transitioning
// OrderCreated -> ChallengeReady.
func (e *Enrollment) AcceptChallenges(ctx context.Context, challenges []*acme.Challenge) error {
	log := corelog.New("e2ei", "AcceptChallenges").WithField("enrollment_id", e.id)
	if e.rec.State != StateOrderCreated {
		return fmt.Errorf("e2ei: accept challenges: invalid state %s", e.rec.State)
	}
	for _, chal := range challenges {
		if _, err := e.client.Accept(ctx, chal); err != nil {
			return fmt.Errorf("e2ei: accept challenge: %w", err)
		}
	}
	for _, authzURL := range e.rec.AuthzURLs {
		if _, err := e.client.WaitAuthorization(ctx, authzURL); err != nil {
			return fmt.Errorf("e2ei: wait authorization: %w", err)
		}
	}
	e.rec.State = StateChallengeReady
	log.Info("all challenges validated")
	return e.persist(ctx)
}

// FinalizeOrder builds a CSR over the enrollment's Ed25519 signing key,
// submits it, and returns the resulting DER certificate chain (leaf
// first), transitioning ChallengeReady -> Finalized.
func (e *Enrollment) FinalizeOrder(ctx context.Context) ([][]byte, error) {
	log := corelog.New("e2ei", "FinalizeOrder").WithField("enrollment_id", e.id)
	if e.rec.State != StateChallengeReady {
		return nil, fmt.Errorf("e2ei: finalize order: invalid state %s", e.rec.State)
	}

	order, err := e.client.WaitOrder(ctx, e.rec.OrderURL)
	if err != nil {
		return nil, fmt.Errorf("e2ei: wait order: %w", err)
	}

	cn := ""
	if len(e.rec.Identities) > 0 {
		cn = e.rec.Identities[0]
	}
	csrTemplate := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: e.rec.Identities,
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, e.sig.Private)
	if err != nil {
		return nil, fmt.Errorf("e2ei: create csr: %w", err)
	}

	chain, _, err := e.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("e2ei: finalize order: %w", err)
	}

	e.rec.State = StateFinalized
	log.WithField("chain_length", len(chain)).Info("enrollment finalized")
	if err := e.persist(ctx); err != nil {
		return nil, err
	}
	return chain, nil
}
