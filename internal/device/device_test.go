package device

import (
	"errors"
	"testing"

	"github.com/northlane-systems/seedauth/internal/jwk"
	"github.com/northlane-systems/seedauth/internal/seed"
)

// negotiateRing drives two devices through a complete two-party seed
// negotiation by exchanging sealed transcripts exactly as an external
// relay would.
func negotiateRing(t *testing.T, a, b *Device, pw []byte, updating bool) {
	t.Helper()

	ctA, err := a.InitSeedNegotiation(pw, b.ID, 2, updating)
	if err != nil {
		t.Fatalf("a init: %v", err)
	}
	ctB, err := b.InitSeedNegotiation(pw, a.ID, 2, updating)
	if err != nil {
		t.Fatalf("b init: %v", err)
	}

	doneB, _, err := b.SeedNegotiating(a.ID, updating, ctA)
	if err != nil {
		t.Fatalf("b negotiate: %v", err)
	}
	if !doneB {
		t.Fatalf("expected b to complete the ceremony")
	}

	doneA, _, err := a.SeedNegotiating(b.ID, updating, ctB)
	if err != nil {
		t.Fatalf("a negotiate: %v", err)
	}
	if !doneA {
		t.Fatalf("expected a to complete the ceremony")
	}
}

func newPair(t *testing.T) (*Device, *Device) {
	t.Helper()
	a, err := New("A", seed.New(nil), nil)
	if err != nil {
		t.Fatalf("device.New a: %v", err)
	}
	b, err := New("B", seed.New(nil), nil)
	if err != nil {
		t.Fatalf("device.New b: %v", err)
	}
	return a, b
}

func TestRegister_InitialThenSeamlessAcrossDevices(t *testing.T) {
	a, b := newPair(t)
	negotiateRing(t, a, b, []byte("device pairing password"), false)

	resA, err := a.Register("svc-1", []byte("reg-challenge-a"), nil)
	if err != nil {
		t.Fatalf("a.Register (initial): %v", err)
	}
	if resA.InitialOVKM == nil {
		t.Fatalf("expected the first registration to mint a fresh OVKM")
	}
	if resA.OVKSig != nil {
		t.Fatalf("expected no OVK signature on an initial registration")
	}

	resB, err := b.Register("svc-1", []byte("reg-challenge-b"), &RegisteredOVKM{
		OVKPub: resA.InitialOVKM.OVKPub,
		R:      resA.InitialOVKM.R,
		MAC:    resA.InitialOVKM.MAC,
	})
	if err != nil {
		t.Fatalf("b.Register (seamless): %v", err)
	}
	if resB.OVKSig == nil {
		t.Fatalf("expected a seamless registration to produce an ovk signature")
	}
	if resB.InitialOVKM != nil {
		t.Fatalf("expected no fresh OVKM on a seamless registration")
	}

	ovkm := ServiceOVKM{OVKPub: resA.InitialOVKM.OVKPub, R: resA.InitialOVKM.R, MAC: resA.InitialOVKM.MAC}

	authA, err := a.Authn("svc-1", []byte("authn-challenge"), []jwk.Public{resA.CredentialPub}, ovkm)
	if err != nil {
		t.Fatalf("a.Authn: %v", err)
	}
	if authA.Updating != nil {
		t.Fatalf("expected no update attached when the seed is not rotating")
	}

	authB, err := b.Authn("svc-1", []byte("authn-challenge"), []jwk.Public{resB.CredentialPub}, ovkm)
	if err != nil {
		t.Fatalf("b.Authn: %v", err)
	}
	if authB.Updating != nil {
		t.Fatalf("expected no update attached when the seed is not rotating")
	}
}

func TestRegister_SeamlessFailsWithUnrelatedSeed(t *testing.T) {
	a, b := newPair(t)
	negotiateRing(t, a, b, []byte("device pairing password"), false)
	stranger, err := New("C", seed.New(nil), nil)
	if err != nil {
		t.Fatalf("device.New stranger: %v", err)
	}
	d, err := New("D", seed.New(nil), nil)
	if err != nil {
		t.Fatalf("device.New d: %v", err)
	}
	// Stranger never negotiated with a, so it holds an entirely different
	// shared seed and can never derive the same OVK.
	negotiateRing(t, stranger, d, []byte("unrelated pairing password"), false)

	resA, err := a.Register("svc-1", []byte("reg-challenge-a"), nil)
	if err != nil {
		t.Fatalf("a.Register (initial): %v", err)
	}

	_, err = stranger.Register("svc-1", []byte("reg-challenge-c"), &RegisteredOVKM{
		OVKPub: resA.InitialOVKM.OVKPub,
		R:      resA.InitialOVKM.R,
		MAC:    resA.InitialOVKM.MAC,
	})
	if !errors.Is(err, ErrOvkVerifyFailed) {
		t.Fatalf("expected ErrOvkVerifyFailed for a device with an unrelated seed, got %v", err)
	}
}

func TestAuthn_RejectsWhenNoCredentialMatches(t *testing.T) {
	a, b := newPair(t)
	negotiateRing(t, a, b, []byte("pw"), false)

	resA, err := a.Register("svc-1", []byte("reg-challenge-a"), nil)
	if err != nil {
		t.Fatalf("a.Register: %v", err)
	}

	ovkm := ServiceOVKM{OVKPub: resA.InitialOVKM.OVKPub, R: resA.InitialOVKM.R, MAC: resA.InitialOVKM.MAC}

	// b never registered for svc-1, so it holds no matching credential.
	if _, err := b.Authn("svc-1", []byte("challenge"), []jwk.Public{resA.CredentialPub}, ovkm); err == nil {
		t.Fatalf("expected an error when no stored credential matches")
	} else if !errors.Is(err, ErrNoMatchingCredential) {
		t.Fatalf("expected ErrNoMatchingCredential, got %v", err)
	}
}

func TestAuthn_AttachesFreshUpdateWhileRotating(t *testing.T) {
	a, b := newPair(t)
	negotiateRing(t, a, b, []byte("pw"), false)

	resA, err := a.Register("svc-1", []byte("reg-challenge-a"), nil)
	if err != nil {
		t.Fatalf("a.Register: %v", err)
	}
	ovkm := ServiceOVKM{OVKPub: resA.InitialOVKM.OVKPub, R: resA.InitialOVKM.R, MAC: resA.InitialOVKM.MAC}

	// Rotate the shared seed: both devices now hold two seeds and report
	// IsUpdating, with no update candidates posted to the service yet.
	negotiateRing(t, a, b, []byte("pw"), true)

	authA, err := a.Authn("svc-1", []byte("authn-challenge"), []jwk.Public{resA.CredentialPub}, ovkm)
	if err != nil {
		t.Fatalf("a.Authn: %v", err)
	}
	if authA.Updating == nil {
		t.Fatalf("expected an update to be attached while the seed is rotating")
	}

	// b must independently verify the freshly proposed OVKM under its own
	// (shared) rotated seed, proving the update is bound to the real next
	// seed rather than an arbitrary value a could have fabricated.
	bSeed, ok := b.seed.(*seed.Seed)
	if !ok {
		t.Fatalf("expected b's Seeder to be a concrete *seed.Seed")
	}
	ok2, err := bSeed.VerifyOVK(authA.Updating.OVKM.R, "svc-1", authA.Updating.OVKM.MAC)
	if err != nil {
		t.Fatalf("VerifyOVK: %v", err)
	}
	if !ok2 {
		t.Fatalf("expected b to verify a's proposed next OVKM under the shared rotated seed")
	}
}

func TestAuthn_AdoptsExistingCandidateInsteadOfMintingAnother(t *testing.T) {
	a, b := newPair(t)
	negotiateRing(t, a, b, []byte("pw"), false)

	resA, err := a.Register("svc-1", []byte("reg-challenge-a"), nil)
	if err != nil {
		t.Fatalf("a.Register: %v", err)
	}
	ovkm := ServiceOVKM{OVKPub: resA.InitialOVKM.OVKPub, R: resA.InitialOVKM.R, MAC: resA.InitialOVKM.MAC}

	negotiateRing(t, a, b, []byte("pw"), true)

	firstAuth, err := a.Authn("svc-1", []byte("authn-challenge-1"), []jwk.Public{resA.CredentialPub}, ovkm)
	if err != nil {
		t.Fatalf("a.Authn (first): %v", err)
	}
	if firstAuth.Updating == nil {
		t.Fatalf("expected the first authn during rotation to propose a candidate")
	}

	ovkmWithCandidate := ovkm
	ovkmWithCandidate.Next = []RegisteredOVKM{firstAuth.Updating.OVKM}

	secondAuth, err := a.Authn("svc-1", []byte("authn-challenge-2"), []jwk.Public{resA.CredentialPub}, ovkmWithCandidate)
	if err != nil {
		t.Fatalf("a.Authn (second): %v", err)
	}
	if secondAuth.Updating == nil {
		t.Fatalf("expected the second authn to still attach an update")
	}
	if !jwk.Equal(secondAuth.Updating.OVKM.OVKPub, firstAuth.Updating.OVKM.OVKPub) {
		t.Fatalf("expected the second authn to adopt the already-posted candidate instead of minting a new one")
	}
}
