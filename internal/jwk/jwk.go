// Package jwk implements the canonical EC JWK encoding and RFC 7638
// thumbprint used throughout this module.
package jwk

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/northlane-systems/seedauth/internal/eckey"
)

const (
	kty = "EC"
	crv = "P-256"
)

// Public is the canonical EC public JWK.
type Public struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid,omitempty"`
}

// Private is the canonical EC private JWK: Public plus the scalar "d".
type Private struct {
	Public
	D string `json:"d"`
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("jwk: bad base64url: %w", err)
	}
	return b, nil
}

// FromPublicKey encodes an eckey.PublicKey as a JWK, computing its kid.
func FromPublicKey(pub *eckey.PublicKey) Public {
	j := Public{Kty: kty, Crv: crv, X: b64(pub.X[:]), Y: b64(pub.Y[:])}
	j.Kid = Thumbprint(j)
	return j
}

// FromPrivateKey encodes an eckey.PrivateKey as a JWK.
func FromPrivateKey(priv *eckey.PrivateKey) Private {
	return Private{Public: FromPublicKey(priv.Public()), D: b64(priv.D[:])}
}

// ToPublicKey decodes a JWK into an eckey.PublicKey, enforcing that x and y
// decode to exactly 32 bytes (left-padding is an encode-time concern only;
// a short decode here means a malformed or adversarial JWK).
func (j Public) ToPublicKey() (*eckey.PublicKey, error) {
	if j.Kty != kty || j.Crv != crv {
		return nil, fmt.Errorf("jwk: unsupported kty/crv %q/%q", j.Kty, j.Crv)
	}
	x, err := unb64(j.X)
	if err != nil {
		return nil, err
	}
	y, err := unb64(j.Y)
	if err != nil {
		return nil, err
	}
	if len(x) != 32 || len(y) != 32 {
		return nil, fmt.Errorf("jwk: coordinate not 32 bytes")
	}
	pub := &eckey.PublicKey{}
	copy(pub.X[:], x)
	copy(pub.Y[:], y)
	if err := eckey.Validate(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// ToPrivateKey decodes a private JWK into an eckey.PrivateKey.
func (j Private) ToPrivateKey() (*eckey.PrivateKey, error) {
	pub, err := j.Public.ToPublicKey()
	if err != nil {
		return nil, err
	}
	d, err := unb64(j.D)
	if err != nil {
		return nil, err
	}
	if len(d) != 32 {
		return nil, fmt.Errorf("jwk: d not 32 bytes")
	}
	priv := &eckey.PrivateKey{PublicKey: *pub}
	copy(priv.D[:], d)
	return priv, nil
}

// thumbprintJSON is the RFC 7638 canonical form: keys strictly in order
// crv, kty, x, y, no whitespace. Hand-built rather than encoding/json on a
// struct because json.Marshal does not guarantee field order across Go
// versions and the order here is a protocol invariant, not an aesthetic.
func thumbprintJSON(j Public) []byte {
	return []byte(fmt.Sprintf(`{"crv":%s,"kty":%s,"x":%s,"y":%s}`,
		quote(j.Crv), quote(j.Kty), quote(j.X), quote(j.Y)))
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Thumbprint computes the RFC 7638 kid: base64url(SHA-256(canonical JSON)).
func Thumbprint(j Public) string {
	sum := sha256.Sum256(thumbprintJSON(j))
	return b64(sum[:])
}

// Equal compares two public JWKs pointwise on {kid, crv, x, y}.
func Equal(a, b Public) bool {
	return a.Kid == b.Kid && a.Crv == b.Crv && a.X == b.X && a.Y == b.Y
}

// CanonicalJSON serializes a public JWK with kty,crv,x,y,kid in that fixed
// order, omitting kid when empty. Every signature over a public key in
// this module signs and verifies this exact byte form — distinct from the
// thumbprint form above (which always omits kid and uses crv,kty order).
func CanonicalJSON(j Public) []byte {
	if j.Kid == "" {
		return []byte(fmt.Sprintf(`{"kty":%s,"crv":%s,"x":%s,"y":%s}`,
			quote(j.Kty), quote(j.Crv), quote(j.X), quote(j.Y)))
	}
	return []byte(fmt.Sprintf(`{"kty":%s,"crv":%s,"x":%s,"y":%s,"kid":%s}`,
		quote(j.Kty), quote(j.Crv), quote(j.X), quote(j.Y), quote(j.Kid)))
}
