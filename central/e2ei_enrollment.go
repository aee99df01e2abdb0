package central

import (
	"context"
	"fmt"

	corecrypto "github.com/e2eicore/corecrypto/crypto"
	"github.com/e2eicore/corecrypto/e2ei"
	"github.com/e2eicore/corecrypto/identity"
)

// NewE2eiEnrollment starts a fresh ACME enrollment attempt bound to this
// Central's keystore, scoped under enrollmentID.
func (c *Central) NewE2eiEnrollment(ctx context.Context, enrollmentID, directoryURL string, identities []string) (*e2ei.Enrollment, error) {
	return e2ei.New(ctx, c.store, enrollmentID, directoryURL, identities)
}

// ResumeE2eiEnrollment reloads an in-progress enrollment after a restart.
func (c *Central) ResumeE2eiEnrollment(ctx context.Context, enrollmentID string) (*e2ei.Enrollment, error) {
	return e2ei.Resume(ctx, c.store, enrollmentID)
}

// FinalizeE2eiEnrollment drives enrollment's FinalizeOrder step and binds
// the resulting certificate chain to the client's credential pool,
// completing the enrollment -> identity.BindX509Bundle handoff spec.md
// leaves as a manual step.
func (c *Central) FinalizeE2eiEnrollment(ctx context.Context, enrollment *e2ei.Enrollment, cs corecrypto.Ciphersuite) (*identity.CredentialBundle, error) {
	if c.client == nil {
		return nil, fmt.Errorf("central: client not initialized")
	}
	chain, err := enrollment.FinalizeOrder(ctx)
	if err != nil {
		return nil, err
	}
	return c.client.BindX509Bundle(ctx, cs, enrollment.SignatureKeyPair(), chain)
}
