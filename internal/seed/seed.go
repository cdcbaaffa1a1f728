// Package seed implements the multi-party Diffie-Hellman negotiation and
// per-service ownership-verification-key derivation/MAC/sign/rotation
// state machine. A Seed is held by exactly one device and is not safe for
// concurrent Negotiate calls.
package seed

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/northlane-systems/seedauth/internal/cryptoprim"
	"github.com/northlane-systems/seedauth/internal/eckey"
	"github.com/northlane-systems/seedauth/internal/jwk"
)

// Error kinds raised by this package.
var (
	ErrInvalidState = errors.New("seed: invalid state for requested operation")
	ErrMetaMismatch = errors.New("seed: negotiation meta changed across rounds")
	ErrNotUpdating  = errors.New("seed: not currently rotating (fewer than two seeds)")
	ErrNoSeed       = errors.New("seed: negotiation has not produced a seed yet")
)

// Meta identifies one negotiation ceremony. It must stay constant across
// every call belonging to the same ceremony.
type Meta struct {
	ID        string
	PartnerID string
	DevNum    int
}

type ephemeral struct {
	meta Meta
	sk   *eckey.PrivateKey
	idx  int
}

// Seed holds a device's ordered list of shared secrets (most recent last)
// plus, while a ceremony is in flight, the ephemeral DH state for it.
type Seed struct {
	mu    sync.Mutex
	seeds [][]byte
	eph   *ephemeral
	rnd   io.Reader
}

// New returns an empty Seed ready to negotiate its first value. rnd is the
// randomness source for ephemeral key generation; pass nil to use
// crypto/rand.Reader.
func New(rnd io.Reader) *Seed {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Seed{rnd: rnd}
}

// IsUpdating reports whether a rotation is in progress: more than one
// seed held, the previous not yet dropped.
func (s *Seed) IsUpdating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seeds) > 1
}

// SeedCount returns the number of shared secrets currently held. Exposed
// for orchestration/tests only; never logged at Info level alongside the
// secrets themselves.
func (s *Seed) SeedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seeds)
}

// FinalizeRotation drops every seed except the most recent one. The
// device decides when to call this based on out-of-band acknowledgement
// that every service/peer has adopted the new OVK.
func (s *Seed) FinalizeRotation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seeds) > 1 {
		s.seeds = s.seeds[len(s.seeds)-1:]
	}
}

// EpkState is the per-step public-key transcript exchanged with the
// negotiation partner: "mine" is what this device has already computed
// and sent, "partner" is the latest map received from the partner.
type EpkState struct {
	Mine    map[int]jwk.Public
	Partner map[int]jwk.Public
}

// Negotiate advances the DH ceremony by one round.
func (s *Seed) Negotiate(meta Meta, epk *EpkState, update bool) (completion bool, epkOut map[int]jwk.Public, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update {
		if len(s.seeds) < 1 {
			return false, nil, ErrInvalidState
		}
	} else {
		if len(s.seeds) != 0 {
			return false, nil, ErrInvalidState
		}
	}

	if s.eph != nil {
		if s.eph.meta != meta {
			return false, nil, ErrMetaMismatch
		}
	} else {
		sk, genErr := eckey.Generate(s.rnd)
		if genErr != nil {
			return false, nil, fmt.Errorf("seed: generate ephemeral key: %w", genErr)
		}
		idx := len(s.seeds)
		s.eph = &ephemeral{meta: meta, sk: sk, idx: idx}
	}
	eph := s.eph

	epkOut = map[int]jwk.Public{0: jwk.FromPublicKey(eph.sk.Public())}
	seedAppended := false

	if epk != nil {
		for step, partnerJWK := range epk.Partner {
			partnerPub, convErr := partnerJWK.ToPublicKey()
			if convErr != nil {
				return false, nil, fmt.Errorf("seed: bad partner point at step %d: %w", step, convErr)
			}
			switch {
			case step < meta.DevNum-2:
				if _, already := epk.Mine[step+1]; already {
					continue
				}
				shared, dhErr := eckey.ECDHPublic(partnerPub, eph.sk)
				if dhErr != nil {
					return false, nil, fmt.Errorf("seed: ecdh at step %d: %w", step, dhErr)
				}
				epkOut[step+1] = jwk.FromPublicKey(shared)
			case step == meta.DevNum-2:
				x, dhErr := eckey.ECDH(partnerPub, eph.sk)
				if dhErr != nil {
					return false, nil, fmt.Errorf("seed: final ecdh: %w", dhErr)
				}
				s.seeds = appendAt(s.seeds, eph.idx, x)
				seedAppended = true
			}
		}
	}

	covered := map[int]struct{}{}
	for step := range epkOut {
		covered[step] = struct{}{}
	}
	if epk != nil {
		for step := range epk.Mine {
			covered[step] = struct{}{}
		}
	}
	if seedAppended {
		covered[meta.DevNum-1] = struct{}{}
	}

	completion = len(covered) == meta.DevNum
	if completion {
		s.eph = nil
	}
	return completion, epkOut, nil
}

// appendAt inserts x as the seed at position idx, appending when idx is
// the next free slot (the normal case: exactly one ceremony in flight).
func appendAt(seeds [][]byte, idx int, x []byte) [][]byte {
	if idx == len(seeds) {
		return append(seeds, x)
	}
	out := append([][]byte{}, seeds...)
	out[idx] = x
	return out
}

func (s *Seed) latest() ([]byte, error) {
	if len(s.seeds) == 0 {
		return nil, ErrNoSeed
	}
	return s.seeds[len(s.seeds)-1], nil
}

// DeriveOVK derives the OVK key pair bound to salt r from the current
// seed: OVK.d = HKDF-SHA256(key=seed, salt=r, info="", L=256).
func (s *Seed) DeriveOVK(r []byte) (*eckey.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deriveOVKLocked(r)
}

func (s *Seed) deriveOVKLocked(r []byte) (*eckey.PrivateKey, error) {
	cur, err := s.latest()
	if err != nil {
		return nil, err
	}
	d, err := cryptoprim.HKDFSHA256(cur, r, nil, 256)
	if err != nil {
		return nil, fmt.Errorf("seed: derive ovk: %w", err)
	}
	priv, err := eckey.PrivateFromScalar(d)
	if err != nil {
		return nil, fmt.Errorf("seed: derive ovk: %w", err)
	}
	return priv, nil
}

// MacOVK computes HMAC-SHA256(OVK.d, r || UTF8(svc)).
func (s *Seed) MacOVK(r []byte, svc string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ovk, err := s.deriveOVKLocked(r)
	if err != nil {
		return nil, err
	}
	return cryptoprim.HMACSHA256(ovk.D[:], append(append([]byte{}, r...), []byte(svc)...)), nil
}

// VerifyOVK checks a previously computed OVK-MAC under this device's
// current seed, in constant time.
func (s *Seed) VerifyOVK(r []byte, svc string, mac []byte) (bool, error) {
	got, err := s.MacOVK(r, svc)
	if err != nil {
		return false, err
	}
	return hmac.Equal(got, mac), nil
}

// SignOVK signs msg with the current OVK's private scalar.
func (s *Seed) SignOVK(r, msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ovk, err := s.deriveOVKLocked(r)
	if err != nil {
		return nil, err
	}
	return eckey.Sign(s.rnd, ovk, msg)
}

// Update signs nextOVKPub's canonical JSON under the *previous* seed's
// OVK (seeds[len-2]). prevR is the salt the device used (or learned) when
// that previous OVK was first derived.
func (s *Seed) Update(prevR []byte, nextOVKPub jwk.Public) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seeds) < 2 {
		return nil, ErrNotUpdating
	}
	prevSeed := s.seeds[len(s.seeds)-2]
	d, err := cryptoprim.HKDFSHA256(prevSeed, prevR, nil, 256)
	if err != nil {
		return nil, fmt.Errorf("seed: update: %w", err)
	}
	prevOVK, err := eckey.PrivateFromScalar(d)
	if err != nil {
		return nil, fmt.Errorf("seed: update: %w", err)
	}
	return eckey.Sign(s.rnd, prevOVK, jwk.CanonicalJSON(nextOVKPub))
}
