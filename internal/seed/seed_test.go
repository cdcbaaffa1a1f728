package seed

import (
	"bytes"
	"errors"
	"testing"

	"github.com/northlane-systems/seedauth/internal/cryptoprim"
	"github.com/northlane-systems/seedauth/internal/eckey"
	"github.com/northlane-systems/seedauth/internal/jwk"
)

func TestNegotiate_TwoPartyRingConvergesToSharedSeed(t *testing.T) {
	a := New(nil)
	b := New(nil)
	metaA := Meta{ID: "A", PartnerID: "B", DevNum: 2}
	metaB := Meta{ID: "B", PartnerID: "A", DevNum: 2}

	doneA, outA, err := a.Negotiate(metaA, nil, false)
	if err != nil {
		t.Fatalf("a round 1: %v", err)
	}
	if doneA {
		t.Fatalf("expected a's first call to not yet complete")
	}

	doneB, outB, err := b.Negotiate(metaB, &EpkState{Partner: outA}, false)
	if err != nil {
		t.Fatalf("b round 1: %v", err)
	}
	if !doneB {
		t.Fatalf("expected b to complete on its first call")
	}

	doneA2, _, err := a.Negotiate(metaA, &EpkState{Partner: outB}, false)
	if err != nil {
		t.Fatalf("a round 2: %v", err)
	}
	if !doneA2 {
		t.Fatalf("expected a to complete once b's point arrives")
	}

	if a.SeedCount() != 1 || b.SeedCount() != 1 {
		t.Fatalf("expected both devices to hold exactly one seed")
	}
	if !bytes.Equal(a.seeds[0], b.seeds[0]) {
		t.Fatalf("expected both devices to converge on the same shared seed")
	}
	if a.IsUpdating() || b.IsUpdating() {
		t.Fatalf("expected neither device to be mid-rotation after its first seed")
	}
}

func TestNegotiate_RotationProducesSecondSeedAndUpdateSigns(t *testing.T) {
	a := New(nil)
	b := New(nil)
	metaA := Meta{ID: "A", PartnerID: "B", DevNum: 2}
	metaB := Meta{ID: "B", PartnerID: "A", DevNum: 2}

	_, outA, _ := a.Negotiate(metaA, nil, false)
	_, outB, _ := b.Negotiate(metaB, &EpkState{Partner: outA}, false)
	a.Negotiate(metaA, &EpkState{Partner: outB}, false)

	// Rotation round: both devices already hold one seed, so update=true.
	_, outA2, err := a.Negotiate(metaA, nil, true)
	if err != nil {
		t.Fatalf("a rotation round 1: %v", err)
	}
	doneB, outB2, err := b.Negotiate(metaB, &EpkState{Partner: outA2}, true)
	if err != nil {
		t.Fatalf("b rotation round 1: %v", err)
	}
	if !doneB {
		t.Fatalf("expected b to complete its rotation on the first call")
	}
	doneA, _, err := a.Negotiate(metaA, &EpkState{Partner: outB2}, true)
	if err != nil {
		t.Fatalf("a rotation round 2: %v", err)
	}
	if !doneA {
		t.Fatalf("expected a to complete its rotation")
	}

	if a.SeedCount() != 2 || b.SeedCount() != 2 {
		t.Fatalf("expected both devices to hold two seeds mid-rotation")
	}
	if !a.IsUpdating() || !b.IsUpdating() {
		t.Fatalf("expected both devices to report IsUpdating with two seeds held")
	}

	prevR, err := cryptoprim.RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	nextOVK, err := a.DeriveOVK(prevR)
	if err != nil {
		t.Fatalf("DeriveOVK: %v", err)
	}
	nextPub := jwk.FromPublicKey(nextOVK.Public())

	sig, err := a.Update(prevR, nextPub)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	prevSeedBytes := a.seeds[len(a.seeds)-2]
	d, err := cryptoprim.HKDFSHA256(prevSeedBytes, prevR, nil, 256)
	if err != nil {
		t.Fatalf("HKDFSHA256: %v", err)
	}
	prevOVK, err := eckey.PrivateFromScalar(d)
	if err != nil {
		t.Fatalf("PrivateFromScalar: %v", err)
	}
	if !eckey.Verify(prevOVK.Public(), jwk.CanonicalJSON(nextPub), sig) {
		t.Fatalf("expected Update's signature to verify under the previous seed's OVK")
	}

	a.FinalizeRotation()
	if a.SeedCount() != 1 {
		t.Fatalf("expected FinalizeRotation to drop every seed but the most recent")
	}
	if a.IsUpdating() {
		t.Fatalf("expected IsUpdating to be false after FinalizeRotation")
	}
}

func TestUpdate_RejectsWhenNotRotating(t *testing.T) {
	a := New(nil)
	if _, err := a.Update([]byte("r"), jwk.Public{}); !errors.Is(err, ErrNotUpdating) {
		t.Fatalf("expected ErrNotUpdating on a fresh seed, got %v", err)
	}

	metaA := Meta{ID: "A", PartnerID: "B", DevNum: 2}
	metaB := Meta{ID: "B", PartnerID: "A", DevNum: 2}
	b := New(nil)
	_, outA, _ := a.Negotiate(metaA, nil, false)
	_, outB, _ := b.Negotiate(metaB, &EpkState{Partner: outA}, false)
	a.Negotiate(metaA, &EpkState{Partner: outB}, false)

	if _, err := a.Update([]byte("r"), jwk.Public{}); !errors.Is(err, ErrNotUpdating) {
		t.Fatalf("expected ErrNotUpdating with only one seed held, got %v", err)
	}
}

// TestNegotiate_ThreeHopForwardingProducesCorrectSeed exercises the
// intermediate-hop branch (step < DevNum-2) across a three-party chain.
// The point produced by the first hop must survive a round trip through
// jwk.Public before the second hop can use it, which is exactly the path
// that an incomplete shared-point ECDH (a hop dropping its Y coordinate)
// would fail on: the receiving side's ToPublicKey would reject it as
// off-curve.
func TestNegotiate_ThreeHopForwardingProducesCorrectSeed(t *testing.T) {
	x := New(nil)
	y := New(nil)
	z := New(nil)
	metaX := Meta{ID: "X", PartnerID: "ring", DevNum: 3}
	metaY := Meta{ID: "Y", PartnerID: "ring", DevNum: 3}
	metaZ := Meta{ID: "Z", PartnerID: "ring", DevNum: 3}

	_, outX, err := x.Negotiate(metaX, nil, false)
	if err != nil {
		t.Fatalf("x: %v", err)
	}

	_, outY, err := y.Negotiate(metaY, &EpkState{Partner: outX}, false)
	if err != nil {
		t.Fatalf("y: %v", err)
	}
	intermediate, ok := outY[1]
	if !ok {
		t.Fatalf("expected y's intermediate hop to produce a step-1 point")
	}

	if _, _, err := z.Negotiate(metaZ, &EpkState{Partner: map[int]jwk.Public{1: intermediate}}, false); err != nil {
		t.Fatalf("z: %v", err)
	}
	if z.SeedCount() != 1 {
		t.Fatalf("expected z to have appended its seed")
	}

	// Recompute the expected value directly: X(skZ * (skY * (skX * G))).
	pubX, err := outX[0].ToPublicKey()
	if err != nil {
		t.Fatalf("parse x's broadcast point: %v", err)
	}
	expectedMid, err := eckey.ECDHPublic(pubX, y.eph0ForTest())
	if err != nil {
		t.Fatalf("eckey.ECDHPublic: %v", err)
	}
	expected, err := eckey.ECDH(expectedMid, z.eph0ForTest())
	if err != nil {
		t.Fatalf("eckey.ECDH: %v", err)
	}
	if !bytes.Equal(z.seeds[0], expected) {
		t.Fatalf("z's appended seed does not match the independently recomputed value")
	}
}

func TestNegotiate_RejectsWrongPreconditionState(t *testing.T) {
	a := New(nil)
	if _, _, err := a.Negotiate(Meta{ID: "A", DevNum: 2}, nil, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for update=true with no seed yet, got %v", err)
	}

	b := New(nil)
	c := New(nil)
	metaB := Meta{ID: "B", PartnerID: "C", DevNum: 2}
	metaC := Meta{ID: "C", PartnerID: "B", DevNum: 2}
	_, outB, _ := b.Negotiate(metaB, nil, false)
	_, outC, _ := c.Negotiate(metaC, &EpkState{Partner: outB}, false)
	b.Negotiate(metaB, &EpkState{Partner: outC}, false)
	if b.SeedCount() != 1 {
		t.Fatalf("expected b to have completed its first ceremony")
	}
	if _, _, err := b.Negotiate(metaB, nil, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for update=false once a seed is already held, got %v", err)
	}
}

func TestNegotiate_RejectsMetaMismatchMidCeremony(t *testing.T) {
	a := New(nil)
	meta1 := Meta{ID: "A", PartnerID: "B", DevNum: 2}
	meta2 := Meta{ID: "A", PartnerID: "B", DevNum: 3}

	if _, _, err := a.Negotiate(meta1, nil, false); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, _, err := a.Negotiate(meta2, nil, false); !errors.Is(err, ErrMetaMismatch) {
		t.Fatalf("expected ErrMetaMismatch when meta changes mid-ceremony, got %v", err)
	}
}

func TestDeriveOVK_MacSignVerifyRoundTrip(t *testing.T) {
	a := New(nil)
	b := New(nil)
	metaA := Meta{ID: "A", PartnerID: "B", DevNum: 2}
	metaB := Meta{ID: "B", PartnerID: "A", DevNum: 2}
	_, outA, _ := a.Negotiate(metaA, nil, false)
	_, outB, _ := b.Negotiate(metaB, &EpkState{Partner: outA}, false)
	a.Negotiate(metaA, &EpkState{Partner: outB}, false)

	r, err := cryptoprim.RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}

	ovkA, err := a.DeriveOVK(r)
	if err != nil {
		t.Fatalf("DeriveOVK: %v", err)
	}
	ovkB, err := b.DeriveOVK(r)
	if err != nil {
		t.Fatalf("DeriveOVK: %v", err)
	}
	if !ovkA.Public().Equal(ovkB.Public()) {
		t.Fatalf("expected both devices to derive the same OVK from the same salt")
	}

	mac, err := a.MacOVK(r, "svc-1")
	if err != nil {
		t.Fatalf("MacOVK: %v", err)
	}
	ok, err := b.VerifyOVK(r, "svc-1", mac)
	if err != nil {
		t.Fatalf("VerifyOVK: %v", err)
	}
	if !ok {
		t.Fatalf("expected b to verify a's OVK-MAC")
	}
	if ok2, _ := b.VerifyOVK(r, "svc-2", mac); ok2 {
		t.Fatalf("expected the MAC to be bound to its service id")
	}

	msg := []byte("challenge-to-sign")
	sig, err := a.SignOVK(r, msg)
	if err != nil {
		t.Fatalf("SignOVK: %v", err)
	}
	if !eckey.Verify(ovkB.Public(), msg, sig) {
		t.Fatalf("expected the OVK signature to verify against the independently derived public key")
	}
}

// eph0ForTest exposes the ephemeral scalar of a device's in-flight
// negotiation ceremony, for cross-checking the protocol's arithmetic
// independently of Negotiate itself. It returns nil once the ceremony has
// completed, since Negotiate clears the ephemeral state at that point.
func (s *Seed) eph0ForTest() *eckey.PrivateKey {
	if s.eph == nil {
		return nil
	}
	return s.eph.sk
}
