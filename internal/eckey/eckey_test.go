package eckey

import (
	"crypto/rand"
	"testing"
)

func TestGenerate_SignVerify(t *testing.T) {
	priv, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msg := []byte("challenge bytes to sign")
	sig, err := Sign(rand.Reader, priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected a fixed-width 64-byte signature, got %d", len(sig))
	}
	if !Verify(priv.Public(), msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(priv.Public(), []byte("different message"), sig) {
		t.Fatalf("expected signature over a different message to fail")
	}
}

func TestECDH_BothSidesAgree(t *testing.T) {
	a, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	sharedA, err := ECDH(b.Public(), a)
	if err != nil {
		t.Fatalf("ECDH (a side): %v", err)
	}
	sharedB, err := ECDH(a.Public(), b)
	if err != nil {
		t.Fatalf("ECDH (b side): %v", err)
	}
	if string(sharedA) != string(sharedB) {
		t.Fatalf("expected both sides to derive the same shared secret")
	}
}

func TestPrivateFromScalar_RejectsInvalidScalars(t *testing.T) {
	if _, err := PrivateFromScalar(make([]byte, 32)); err != ErrInvalidScalar {
		t.Fatalf("expected ErrInvalidScalar for the zero scalar, got %v", err)
	}
	if _, err := PrivateFromScalar(make([]byte, 16)); err != ErrInvalidScalar {
		t.Fatalf("expected ErrInvalidScalar for a short scalar, got %v", err)
	}
}

func TestPrivateFromScalar_MatchesGeneratedKeyShape(t *testing.T) {
	priv, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rebuilt, err := PrivateFromScalar(priv.D[:])
	if err != nil {
		t.Fatalf("PrivateFromScalar: %v", err)
	}
	if !rebuilt.Public().Equal(priv.Public()) {
		t.Fatalf("expected rebuilding from the same scalar to reproduce the same public point")
	}
}

func TestValidate_RejectsPointAtInfinityAndOffCurvePoints(t *testing.T) {
	if err := Validate(&PublicKey{}); err != ErrInvalidPoint {
		t.Fatalf("expected the zero point to be rejected, got %v", err)
	}

	offCurve := &PublicKey{}
	offCurve.X[31] = 1
	offCurve.Y[31] = 1
	if err := Validate(offCurve); err != ErrInvalidPoint {
		t.Fatalf("expected an off-curve point to be rejected, got %v", err)
	}
}

func TestUncompressedRoundTrip(t *testing.T) {
	priv, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	enc := priv.Public().Uncompressed()
	got, err := PublicFromUncompressed(enc)
	if err != nil {
		t.Fatalf("PublicFromUncompressed: %v", err)
	}
	if !got.Equal(priv.Public()) {
		t.Fatalf("expected round-tripped point to equal the original")
	}
}
