// Package eckey provides the P-256 key representation shared by every
// component in this module: raw 32-byte coordinates, generation, ECDH, and
// fixed-width ECDSA signing. It wraps crypto/ecdsa and crypto/ecdh rather
// than rolling a big-integer curve implementation, since Go's standard
// library already gives constant-time P-256 arithmetic.
package eckey

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// ErrInvalidPoint is returned when a public key's coordinates do not lie on
// P-256, or encode the point at infinity.
var ErrInvalidPoint = errors.New("eckey: invalid curve point")

// ErrInvalidScalar is returned when a private scalar is zero or >= the
// group order.
var ErrInvalidScalar = errors.New("eckey: invalid scalar")

const coordLen = 32

// PublicKey is a P-256 point as a pair of 32-byte big-endian field elements.
type PublicKey struct {
	X [coordLen]byte
	Y [coordLen]byte
}

// PrivateKey is a P-256 key pair: the public point plus the private scalar.
type PrivateKey struct {
	PublicKey
	D [coordLen]byte
}

func curve() elliptic.Curve { return elliptic.P256() }

// Generate creates a fresh P-256 key pair using the given randomness
// source. Pass crypto/rand.Reader in production; tests may inject a
// deterministic reader to reproduce literal-input scenarios.
func Generate(rnd io.Reader) (*PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(curve(), rnd)
	if err != nil {
		return nil, fmt.Errorf("eckey: generate: %w", err)
	}
	return fromECDSA(priv), nil
}

func fromECDSA(priv *ecdsa.PrivateKey) *PrivateKey {
	out := &PrivateKey{}
	priv.X.FillBytes(out.X[:])
	priv.Y.FillBytes(out.Y[:])
	priv.D.FillBytes(out.D[:])
	return out
}

func (p *PublicKey) toECDSA() (*ecdsa.PublicKey, error) {
	x := new(big.Int).SetBytes(p.X[:])
	y := new(big.Int).SetBytes(p.Y[:])
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	if !curve().IsOnCurve(x, y) {
		return nil, ErrInvalidPoint
	}
	return &ecdsa.PublicKey{Curve: curve(), X: x, Y: y}, nil
}

func (p *PrivateKey) toECDSA() (*ecdsa.PrivateKey, error) {
	pub, err := p.PublicKey.toECDSA()
	if err != nil {
		return nil, err
	}
	d := new(big.Int).SetBytes(p.D[:])
	n := curve().Params().N
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return nil, ErrInvalidScalar
	}
	return &ecdsa.PrivateKey{PublicKey: *pub, D: d}, nil
}

// Uncompressed returns the SEC1 uncompressed point encoding (0x04 || X || Y).
func (p *PublicKey) Uncompressed() []byte {
	out := make([]byte, 1+2*coordLen)
	out[0] = 0x04
	copy(out[1:1+coordLen], p.X[:])
	copy(out[1+coordLen:], p.Y[:])
	return out
}

// Validate checks that a public key is a valid P-256 point (on-curve, not
// the point at infinity).
func Validate(pub *PublicKey) error {
	_, err := pub.toECDSA()
	return err
}

// PublicFromUncompressed parses a SEC1 uncompressed point.
func PublicFromUncompressed(b []byte) (*PublicKey, error) {
	if len(b) != 1+2*coordLen || b[0] != 0x04 {
		return nil, ErrInvalidPoint
	}
	pub := &PublicKey{}
	copy(pub.X[:], b[1:1+coordLen])
	copy(pub.Y[:], b[1+coordLen:])
	if _, err := pub.toECDSA(); err != nil {
		return nil, err
	}
	return pub, nil
}

// Public returns the public half of a key pair.
func (p *PrivateKey) Public() *PublicKey {
	pub := p.PublicKey
	return &pub
}

// ECDH computes the P-256 Diffie-Hellman shared value between priv and peer,
// returning its X coordinate as 32 big-endian bytes. Fails closed on the
// point at infinity or any other invalid point.
func ECDH(peer *PublicKey, priv *PrivateKey) ([]byte, error) {
	peerKey, err := ecdh.P256().NewPublicKey(peer.Uncompressed())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	privKey, err := ecdh.P256().NewPrivateKey(priv.D[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	shared, err := privKey.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return shared, nil
}

// ECDHPublic computes the scalar multiple priv.D * peer and returns the
// full resulting point, both coordinates intact, as a PublicKey whose X and
// Y are the shared-point coordinates. Unlike ECDH (which discards Y, fine for a
// ring's final hop where only the X-coordinate seed value is needed), this
// is used for every intermediate hop in a ring with more than two
// participants: the result travels onward as the next hop's input, which
// requires a genuine on-curve point, not just its X coordinate.
func ECDHPublic(peer *PublicKey, priv *PrivateKey) (*PublicKey, error) {
	if _, err := peer.toECDSA(); err != nil {
		return nil, err
	}
	n := curve().Params().N
	d := new(big.Int).SetBytes(priv.D[:])
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return nil, ErrInvalidScalar
	}
	x := new(big.Int).SetBytes(peer.X[:])
	y := new(big.Int).SetBytes(peer.Y[:])
	rx, ry := curve().ScalarMult(x, y, priv.D[:])
	if rx.Sign() == 0 && ry.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	out := &PublicKey{}
	rx.FillBytes(out.X[:])
	ry.FillBytes(out.Y[:])
	return out, nil
}

// Sign produces a fixed-width IEEE P1363 (r||s, 64 bytes) ECDSA signature
// over SHA-256(msg).
func Sign(rnd io.Reader, priv *PrivateKey, msg []byte) ([]byte, error) {
	key, err := priv.toECDSA()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rnd, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("eckey: sign: %w", err)
	}
	out := make([]byte, 2*coordLen)
	r.FillBytes(out[:coordLen])
	s.FillBytes(out[coordLen:])
	return out, nil
}

// Verify checks a fixed-width ECDSA signature produced by Sign.
func Verify(pub *PublicKey, msg, sig []byte) bool {
	if len(sig) != 2*coordLen {
		return false
	}
	key, err := pub.toECDSA()
	if err != nil {
		return false
	}
	r := new(big.Int).SetBytes(sig[:coordLen])
	s := new(big.Int).SetBytes(sig[coordLen:])
	digest := sha256.Sum256(msg)
	return ecdsa.Verify(key, digest[:], r, s)
}

// PrivateFromScalar builds a PrivateKey from a raw 32-byte scalar, deriving
// the public point via scalar-base multiplication. Used when turning an
// HKDF output into an ownership-verification key pair.
func PrivateFromScalar(d []byte) (*PrivateKey, error) {
	if len(d) != coordLen {
		return nil, ErrInvalidScalar
	}
	n := curve().Params().N
	scalar := new(big.Int).SetBytes(d)
	if scalar.Sign() == 0 || scalar.Cmp(n) >= 0 {
		return nil, ErrInvalidScalar
	}
	x, y := curve().ScalarBaseMult(d)
	if x.Sign() == 0 && y.Sign() == 0 {
		return nil, ErrInvalidPoint
	}
	out := &PrivateKey{}
	copy(out.D[:], d)
	x.FillBytes(out.X[:])
	y.FillBytes(out.Y[:])
	return out, nil
}

// Equal reports whether two public keys encode the same point.
func (p *PublicKey) Equal(o *PublicKey) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.X == o.X && p.Y == o.Y
}
