// Package cryptoprim collects the symmetric and KDF primitives the rest
// of this module treats as a platform crypto library: SHA-256, HMAC,
// HKDF, AES-GCM, AES-KW, PBKDF2, and a CSPRNG. Asymmetric P-256 operations
// live in internal/eckey.
//
// It reaches for golang.org/x/crypto where the standard library has no
// implementation (HKDF, PBKDF2) and crypto/* directly where it does
// (SHA-256, HMAC, AES-GCM).
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// ErrShortCiphertext is returned by AES-KW unwrap when the input is not a
// whole number of 8-byte blocks, or is shorter than three blocks (the
// integrity block plus at least two key blocks).
var ErrShortCiphertext = errors.New("cryptoprim: ciphertext too short")

// ErrIntegrityCheck is returned by AES-KW unwrap when the RFC 3394
// integrity check value does not match.
var ErrIntegrityCheck = errors.New("cryptoprim: key unwrap integrity check failed")

// SHA256 returns the 32-byte SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HMACSHA256 computes HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// VerifyHMACSHA256 verifies an HMAC-SHA256 tag in constant time.
func VerifyHMACSHA256(key, msg, tag []byte) bool {
	return hmac.Equal(HMACSHA256(key, msg), tag)
}

// HKDFSHA256 derives lBits bits from ikm using HKDF-SHA256 with the given
// salt and info. OVK derivation always passes an empty info string.
func HKDFSHA256(ikm, salt, info []byte, lBits int) ([]byte, error) {
	out := make([]byte, lBits/8)
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptoprim: hkdf: %w", err)
	}
	return out, nil
}

// PBKDF2SHA256 derives lBits bits from pw using PBKDF2-HMAC-SHA256, used
// only by the PBES2 envelope.
func PBKDF2SHA256(pw, salt []byte, iters, lBits int) []byte {
	return pbkdf2.Key(pw, salt, iters, lBits/8, sha256.New)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptoprim: rand: %w", err)
	}
	return b, nil
}

// AESGCMSeal encrypts pt under key with the given 96-bit iv and additional
// authenticated data, returning ciphertext||tag.
func AESGCMSeal(key, iv, aad, pt []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("cryptoprim: iv must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, iv, pt, aad), nil
}

// AESGCMOpen decrypts ciphertext||tag produced by AESGCMSeal.
func AESGCMOpen(key, iv, aad, ct []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, iv, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: gcm open: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: gcm: %w", err)
	}
	return aead, nil
}

// aesKWIV is the RFC 3394 default integrity check value.
var aesKWIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// AESKWWrap wraps a key-encryption-key-sized plaintext with AES Key Wrap
// (RFC 3394). The standard library has no AES-KW implementation and
// neither does any example repo in the retrieval pack, so this is the one
// primitive in this package built directly on crypto/aes block operations
// rather than an ecosystem package; see DESIGN.md.
func AESKWWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, fmt.Errorf("cryptoprim: AES-KW plaintext must be a multiple of 8 bytes, >= 16")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aes: %w", err)
	}

	n := len(plaintext) / 8
	r := make([][]byte, n+1)
	r[0] = append([]byte{}, aesKWIV[:]...)
	for i := 0; i < n; i++ {
		r[i+1] = append([]byte{}, plaintext[i*8:(i+1)*8]...)
	}

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], r[0])
			copy(buf[8:], r[i])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := range buf[:8] {
				buf[k] ^= tb[k]
			}
			r[0] = append([]byte{}, buf[:8]...)
			r[i] = append([]byte{}, buf[8:]...)
		}
	}

	out := make([]byte, 0, 8*(n+1))
	out = append(out, r[0]...)
	for i := 1; i <= n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}

// AESKWUnwrap reverses AESKWWrap and checks the integrity value.
func AESKWUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, ErrShortCiphertext
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aes: %w", err)
	}

	n := len(wrapped)/8 - 1
	r := make([][]byte, n+1)
	r[0] = append([]byte{}, wrapped[:8]...)
	for i := 0; i < n; i++ {
		r[i+1] = append([]byte{}, wrapped[8*(i+1):8*(i+2)]...)
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			a := append([]byte{}, r[0]...)
			for k := range a {
				a[k] ^= tb[k]
			}
			copy(buf[:8], a)
			copy(buf[8:], r[i])
			block.Decrypt(buf, buf)
			r[0] = append([]byte{}, buf[:8]...)
			r[i] = append([]byte{}, buf[8:]...)
		}
	}

	if !hmac.Equal(r[0], aesKWIV[:]) {
		return nil, ErrIntegrityCheck
	}

	out := make([]byte, 0, 8*n)
	for i := 1; i <= n; i++ {
		out = append(out, r[i]...)
	}
	return out, nil
}
