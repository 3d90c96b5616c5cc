// Package trust implements the settlement kernel's federation trust anchor
// registry: which keyIds are authorized to sign artifacts (and federation
// coordinator envelopes) on a tenant's behalf, with a rotation grace window
// so an envelope signed just before a key rotation still verifies for a
// bounded period afterward.
package trust

import (
	"time"

	"github.com/nooterra/settle/pkg/kernelerr"
	"github.com/nooterra/settle/pkg/trust/registry"
)

// DefaultRotationGrace is how long a revoked or rotated key is still treated
// as a trusted anchor after the event, so in-flight envelopes signed moments
// before a rotation aren't spuriously rejected.
const DefaultRotationGrace = 5 * time.Minute

// anchorState is the rotation/revocation bookkeeping Federation keeps per
// (tenantID, keyID) on top of registry.TrustRegistry's KEY_ADDED/REVOKED/
// ROTATED event log: the registry tracks which public key is active, this
// tracks the anchorVersion and event timestamps the grace-window checks need.
type anchorState struct {
	version      int
	priorVersion int

	revoked   bool
	revokedAt time.Time

	rotated   bool
	rotatedAt time.Time
}

// Federation wraps registry.TrustRegistry with anchorVersion tracking and
// the rotation/revocation grace window. registry.TrustRegistry already
// tracks KEY_ADDED/KEY_REVOKED/KEY_ROTATED as an ordered event log; Federation
// adds the time-boxed leniency and version binding envelope verification
// needs on top of that registry's immediate revocation semantics.
type Federation struct {
	reg   *registry.TrustRegistry
	grace time.Duration

	clock   func() time.Time
	anchors map[string]map[string]*anchorState // tenantID -> keyID -> state
}

// NewFederation returns a Federation with the given rotation grace window.
func NewFederation(grace time.Duration) *Federation {
	return &Federation{
		reg:     registry.NewTrustRegistry(),
		grace:   grace,
		clock:   time.Now,
		anchors: make(map[string]map[string]*anchorState),
	}
}

// WithClock overrides the clock used to timestamp revoke/rotate events, for
// tests.
func (f *Federation) WithClock(clock func() time.Time) *Federation {
	f.clock = clock
	return f
}

func (f *Federation) state(tenantID, keyID string) *anchorState {
	t, ok := f.anchors[tenantID]
	if !ok {
		t = make(map[string]*anchorState)
		f.anchors[tenantID] = t
	}
	s, ok := t[keyID]
	if !ok {
		s = &anchorState{}
		t[keyID] = s
	}
	return s
}

func (f *Federation) lookup(tenantID, keyID string) (*anchorState, bool) {
	t, ok := f.anchors[tenantID]
	if !ok {
		return nil, false
	}
	s, ok := t[keyID]
	return s, ok
}

// AddKey authorizes keyID at anchorVersion for tenantID.
func (f *Federation) AddKey(tenantID, keyID string, publicKey []byte, anchorVersion int) error {
	if err := f.reg.Apply(registry.TrustEvent{
		EventType: "KEY_ADDED",
		TenantID:  tenantID,
		KeyID:     keyID,
		PublicKey: publicKey,
	}); err != nil {
		return err
	}
	f.state(tenantID, keyID).version = anchorVersion
	return nil
}

// RevokeKey revokes keyID for tenantID, starting its revocation grace
// window.
func (f *Federation) RevokeKey(tenantID, keyID string) error {
	if err := f.reg.Apply(registry.TrustEvent{EventType: "KEY_REVOKED", TenantID: tenantID, KeyID: keyID}); err != nil {
		return err
	}
	s := f.state(tenantID, keyID)
	s.revoked = true
	s.revokedAt = f.clock()
	return nil
}

// RotateKey replaces keyID's public key with newPublicKey and advances it to
// newAnchorVersion, starting the rotation grace window: an envelope signed
// at or shortly before the rotation still verifies against the prior
// anchorVersion for the Federation's grace window (the value passed to
// NewFederation) afterward.
func (f *Federation) RotateKey(tenantID, keyID string, newPublicKey []byte, newAnchorVersion int) error {
	if err := f.reg.Apply(registry.TrustEvent{
		EventType: "KEY_ROTATED",
		TenantID:  tenantID,
		KeyID:     keyID,
		PublicKey: newPublicKey,
	}); err != nil {
		return err
	}
	s := f.state(tenantID, keyID)
	s.priorVersion = s.version
	s.version = newAnchorVersion
	s.rotated = true
	s.rotatedAt = f.clock()
	return nil
}

// IsTrustAnchor reports whether keyID at anchorVersion is a trusted signer
// for tenantID as of signedAt. Per spec §4.8, the check is against the
// envelope's claimed signing time rather than wall-clock now: a "non-rotated
// (relative to signedAt)" anchor is one where signedAt falls before the
// rotation event plus the grace window, so a delayed-delivery envelope
// signed just before a rotation still verifies.
func (f *Federation) IsTrustAnchor(tenantID, keyID string, anchorVersion int, signedAt time.Time) bool {
	s, ok := f.lookup(tenantID, keyID)
	if !ok {
		return false
	}
	if s.revoked && signedAt.Sub(s.revokedAt) > f.grace {
		return false
	}
	switch {
	case anchorVersion == s.version:
		return true
	case s.rotated && anchorVersion == s.priorVersion && signedAt.Sub(s.rotatedAt) <= f.grace:
		return true
	default:
		return false
	}
}

// RequireTrustAnchor fails closed with CodeTrustAnchorUnknown unless keyID at
// anchorVersion is a current or grace-window-eligible anchor for tenantID as
// of signedAt. Used for artifact signing keys; federation coordinator
// envelopes use VerifyCoordinatorEnvelope instead, which distinguishes an
// unknown anchor from a revoked one (spec §7's separate error rows).
func (f *Federation) RequireTrustAnchor(tenantID, keyID string, anchorVersion int, signedAt time.Time) error {
	if f.IsTrustAnchor(tenantID, keyID, anchorVersion, signedAt) {
		return nil
	}
	return kernelerr.New(kernelerr.CodeTrustAnchorUnknown, "keyId is not a known trust anchor for this tenant").
		WithDetails(map[string]interface{}{"tenantId": tenantID, "keyId": keyID, "anchorVersion": anchorVersion})
}

// VerifyCoordinatorEnvelope checks a federation invoke/result envelope's
// trust binding per spec §4.8: "trust registry in strict mode requires a
// known, non-revoked, non-rotated (relative to signedAt) anchor with
// matching anchorVersion." An entirely unknown coordinator keyId is
// FEDERATION_UNTRUSTED_COORDINATOR (403); a known anchor that's revoked (or
// rotated past) outside the grace window is FEDERATION_TRUST_ANCHOR_REVOKED
// (403) — the two are reported distinctly so an operator can tell "we never
// trusted this coordinator" from "we used to, and pulled trust."
func (f *Federation) VerifyCoordinatorEnvelope(tenantID, keyID string, anchorVersion int, signedAt time.Time) error {
	s, ok := f.lookup(tenantID, keyID)
	if !ok {
		return kernelerr.New(kernelerr.CodeFederationUntrustedCoordinator, "coordinator keyId is not a known trust anchor for this tenant").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "keyId": keyID})
	}
	if s.revoked && signedAt.Sub(s.revokedAt) > f.grace {
		return kernelerr.New(kernelerr.CodeFederationTrustAnchorRevoked, "coordinator trust anchor was revoked outside the rotation grace window").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "keyId": keyID, "revokedAt": s.revokedAt, "signedAt": signedAt})
	}
	switch {
	case anchorVersion == s.version:
		return nil
	case s.rotated && anchorVersion == s.priorVersion && signedAt.Sub(s.rotatedAt) <= f.grace:
		return nil
	default:
		return kernelerr.New(kernelerr.CodeFederationTrustAnchorRevoked, "coordinator anchorVersion does not match the anchor active at signedAt").
			WithDetails(map[string]interface{}{"tenantId": tenantID, "keyId": keyID, "anchorVersion": anchorVersion, "activeVersion": s.version})
	}
}
