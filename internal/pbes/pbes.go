// Package pbes implements the password-based compact envelope used to
// protect the seed-negotiation payload in transit: a five-segment,
// dot-separated, base64url structure modeled on JWE compact serialization,
// with PBES2-HS256+A128KW key wrapping and A128GCM content encryption.
package pbes

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/northlane-systems/seedauth/internal/cryptoprim"
)

// ErrDecrypt is returned for any decryption failure: bad tag, bad key
// unwrap, or any other cryptographic rejection. Kept distinct from
// structural/format errors so callers can tell a corrupt envelope from a
// deliberately forged one.
var ErrDecrypt = errors.New("pbes: decrypt failed")

// ErrFormat is returned when the envelope does not parse: wrong segment
// count, bad base64url, or a header that doesn't match the one algorithm
// this package supports.
var ErrFormat = errors.New("pbes: malformed envelope")

const (
	alg = "PBES2-HS256+A128KW"
	enc = "A128GCM"
	p2c = 1000

	kekBits  = 128
	cekBytes = 16
	ivBytes  = 12
)

type header struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	P2C int    `json:"p2c"`
	P2S string `json:"p2s"`
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64url: %v", ErrFormat, err)
	}
	return b, nil
}

// Encrypt seals msg under the given password, producing the five-segment
// compact serialization this package parses with Decrypt.
func Encrypt(pw, msg []byte) (string, error) {
	p2s, err := cryptoprim.RandomBytes(16)
	if err != nil {
		return "", err
	}
	hdr := header{Alg: alg, Enc: enc, P2C: p2c, P2S: b64(p2s)}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return "", fmt.Errorf("pbes: marshal header: %w", err)
	}
	hdrB64 := b64(hdrJSON)

	salt := pbes2Salt(p2s)
	kek := cryptoprim.PBKDF2SHA256(pw, salt, p2c, kekBits)

	cek, err := cryptoprim.RandomBytes(cekBytes)
	if err != nil {
		return "", err
	}
	ek, err := cryptoprim.AESKWWrap(kek, cek)
	if err != nil {
		return "", fmt.Errorf("pbes: wrap cek: %w", err)
	}

	iv, err := cryptoprim.RandomBytes(ivBytes)
	if err != nil {
		return "", err
	}
	aad := []byte(hdrB64)
	sealed, err := cryptoprim.AESGCMSeal(cek, iv, aad, msg)
	if err != nil {
		return "", fmt.Errorf("pbes: seal: %w", err)
	}
	ct, tag := sealed[:len(sealed)-16], sealed[len(sealed)-16:]

	return strings.Join([]string{
		hdrB64, b64(ek), b64(iv), b64(ct), b64(tag),
	}, "."), nil
}

// Decrypt opens a compact envelope produced by Encrypt. Any structural
// problem returns ErrFormat; any cryptographic rejection returns
// ErrDecrypt.
func Decrypt(pw []byte, envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 segments, got %d", ErrFormat, len(parts))
	}
	hdrB64, ekB64, ivB64, ctB64, tagB64 := parts[0], parts[1], parts[2], parts[3], parts[4]

	hdrJSON, err := unb64(hdrB64)
	if err != nil {
		return nil, err
	}
	var hdr header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, fmt.Errorf("%w: bad header json: %v", ErrFormat, err)
	}
	if hdr.Alg != alg || hdr.Enc != enc {
		return nil, fmt.Errorf("%w: unsupported alg/enc %q/%q", ErrFormat, hdr.Alg, hdr.Enc)
	}
	p2s, err := unb64(hdr.P2S)
	if err != nil {
		return nil, err
	}
	ek, err := unb64(ekB64)
	if err != nil {
		return nil, err
	}
	iv, err := unb64(ivB64)
	if err != nil {
		return nil, err
	}
	ct, err := unb64(ctB64)
	if err != nil {
		return nil, err
	}
	tag, err := unb64(tagB64)
	if err != nil {
		return nil, err
	}
	if len(ek) != cekBytes+8 || len(iv) != ivBytes || len(tag) != 16 {
		return nil, fmt.Errorf("%w: bad segment length", ErrFormat)
	}

	salt := pbes2Salt(p2s)
	kek := cryptoprim.PBKDF2SHA256(pw, salt, hdr.P2C, kekBits)

	cek, err := cryptoprim.AESKWUnwrap(kek, ek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	aad := []byte(hdrB64)
	pt, err := cryptoprim.AESGCMOpen(cek, iv, aad, append(ct, tag...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

// pbes2Salt builds the PBKDF2 salt per RFC 7518 §4.8.1.1: UTF8(alg) || 0x00
// || p2s.
func pbes2Salt(p2s []byte) []byte {
	out := make([]byte, 0, len(alg)+1+len(p2s))
	out = append(out, []byte(alg)...)
	out = append(out, 0x00)
	out = append(out, p2s...)
	return out
}
