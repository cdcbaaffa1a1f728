// Package device orchestrates a single authenticator device: its Seed,
// its long-lived attestation key, and its per-service credential store.
// It never reaches into Seed's internals — Seed is used purely through a
// small set of named operations, so this package stays orthogonal to how
// Seed is implemented.
package device

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/northlane-systems/seedauth/internal/cryptoprim"
	"github.com/northlane-systems/seedauth/internal/eckey"
	"github.com/northlane-systems/seedauth/internal/jwk"
	"github.com/northlane-systems/seedauth/internal/pbes"
	"github.com/northlane-systems/seedauth/internal/seed"
)

// Sentinel errors raised by this package.
var (
	ErrOvkVerifyFailed      = errors.New("device: ovk mac did not verify under this device's seed")
	ErrNoMatchingCredential = errors.New("device: no stored credential matches the service's credential list")
	ErrDecrypt              = pbes.ErrDecrypt
	ErrFormat               = pbes.ErrFormat
)

// Seeder is the subset of *seed.Seed that Device depends on, kept small so
// Device stays testable against a fake.
type Seeder interface {
	Negotiate(meta seed.Meta, epk *seed.EpkState, update bool) (bool, map[int]jwk.Public, error)
	DeriveOVK(r []byte) (*eckey.PrivateKey, error)
	MacOVK(r []byte, svc string) ([]byte, error)
	VerifyOVK(r []byte, svc string, mac []byte) (bool, error)
	SignOVK(r, msg []byte) ([]byte, error)
	Update(prevR []byte, nextOVKPub jwk.Public) ([]byte, error)
	IsUpdating() bool
	FinalizeRotation()
}

// AttestationKeyStore is the Encrypt/Decrypt shape a deployment can supply
// to keep a device's long-lived attestation private key sealed at rest
// (e.g. internal/awsseal.Sealer) instead of relying on process memory. The
// default Device constructed by New does not use one — its attestation key
// lives only for the process lifetime — but it is named here so such a
// deployment has a concrete interface to satisfy.
type AttestationKeyStore interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// CredentialStore holds the EC key pairs a device has registered, one per
// (user implied by process, service). It is safe for concurrent use: every
// method takes the store's own lock.
type CredentialStore struct {
	mu    sync.Mutex
	items []storedCred
}

type storedCred struct {
	svcID string
	priv  *eckey.PrivateKey
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore { return &CredentialStore{} }

func (c *CredentialStore) add(svcID string, priv *eckey.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, storedCred{svcID: svcID, priv: priv})
}

// CredEntry is one (service, credential-public-key) pair, for callers that
// need to enumerate a device's registrations without touching private
// key material (e.g. internal/backup's inventory export).
type CredEntry struct {
	SvcID string
	Pub   jwk.Public
}

// Entries returns every (service, credential public key) pair currently
// held, in registration order.
func (c *CredentialStore) Entries() []CredEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CredEntry, len(c.items))
	for i, item := range c.items {
		out[i] = CredEntry{SvcID: item.svcID, Pub: jwk.FromPublicKey(item.priv.Public())}
	}
	return out
}

// FindMatching returns the first stored private key whose public half
// appears in candidates.
func (c *CredentialStore) FindMatching(candidates []jwk.Public) (*eckey.PrivateKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.items {
		pub := jwk.FromPublicKey(item.priv.Public())
		for _, cand := range candidates {
			if jwk.Equal(pub, cand) {
				return item.priv, true
			}
		}
	}
	return nil, false
}

// Device is one authenticator device sharing a Seed with its peers.
type Device struct {
	ID           string
	seed         Seeder
	attestation  *eckey.PrivateKey
	creds        *CredentialStore
	rnd          io.Reader
	negotiations map[string]*negotiationState
	mu           sync.Mutex
}

type negotiationState struct {
	meta    seed.Meta
	pw      []byte
	mine    map[int]jwk.Public
	partner map[int]jwk.Public
}

// New creates a Device around an existing Seeder and a freshly generated
// attestation key pair.
func New(id string, s Seeder, rnd io.Reader) (*Device, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	att, err := eckey.Generate(rnd)
	if err != nil {
		return nil, fmt.Errorf("device: generate attestation key: %w", err)
	}
	return &Device{
		ID:           id,
		seed:         s,
		attestation:  att,
		creds:        NewCredentialStore(),
		rnd:          rnd,
		negotiations: map[string]*negotiationState{},
	}, nil
}

// AttestationPublic returns the device's attestation public JWK.
func (d *Device) AttestationPublic() jwk.Public {
	return jwk.FromPublicKey(d.attestation.Public())
}

// CredEntries returns every (service, credential public key) pair this
// device has registered, for inventory/export callers such as
// internal/backup.
func (d *Device) CredEntries() []CredEntry {
	return d.creds.Entries()
}

// InitSeedNegotiation resets this device's negotiation bookkeeping for
// the ceremony (devID, partnerID, devNum), performs the first Negotiate
// call, and returns the resulting transcript sealed under pw.
func (d *Device) InitSeedNegotiation(pw []byte, partnerID string, devNum int, updating bool) (string, error) {
	meta := seed.Meta{ID: d.ID, PartnerID: partnerID, DevNum: devNum}

	completion, epkOut, err := d.seed.Negotiate(meta, nil, updating)
	if err != nil {
		return "", fmt.Errorf("device: init negotiation: %w", err)
	}

	d.mu.Lock()
	d.negotiations[partnerID] = &negotiationState{
		meta: meta, pw: pw, mine: epkOut, partner: map[int]jwk.Public{},
	}
	d.mu.Unlock()

	log.Debug().Str("dev_id", d.ID).Str("partner_id", partnerID).Bool("completion", completion).Msg("seed negotiation initiated")

	return d.sealTranscript(pw, epkOut)
}

// SeedNegotiating decrypts an incoming transcript from partnerID, merges
// it into the running accumulator, advances the ceremony one round, and
// returns the re-sealed outgoing transcript.
func (d *Device) SeedNegotiating(partnerID string, updating bool, ciphertext string) (completion bool, outCiphertext string, err error) {
	d.mu.Lock()
	state, ok := d.negotiations[partnerID]
	d.mu.Unlock()
	if !ok {
		return false, "", fmt.Errorf("%w: no negotiation in progress with %q", ErrFormat, partnerID)
	}

	plaintext, err := pbes.Decrypt(state.pw, ciphertext)
	if err != nil {
		return false, "", err
	}

	senderID, epkJSON, err := splitTranscript(plaintext)
	if err != nil {
		return false, "", err
	}
	if senderID != partnerID {
		return false, "", fmt.Errorf("%w: transcript sender %q != expected partner %q", ErrFormat, senderID, partnerID)
	}

	var received map[int]jwk.Public
	if err := unmarshalEpk(epkJSON, &received); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrFormat, err)
	}

	d.mu.Lock()
	for step, pk := range received {
		state.partner[step] = pk
	}
	d.mu.Unlock()

	completion, epkOut, err := d.seed.Negotiate(state.meta, &seed.EpkState{Mine: state.mine, Partner: state.partner}, updating)
	if err != nil {
		return false, "", fmt.Errorf("device: negotiate: %w", err)
	}

	d.mu.Lock()
	for step, pk := range epkOut {
		state.mine[step] = pk
	}
	mineSnapshot := state.mine
	if completion {
		delete(d.negotiations, partnerID)
	}
	d.mu.Unlock()

	sealed, err := d.sealTranscript(state.pw, mineSnapshot)
	if err != nil {
		return false, "", err
	}
	return completion, sealed, nil
}

func (d *Device) sealTranscript(pw []byte, mine map[int]jwk.Public) (string, error) {
	payload := append([]byte(d.ID+"."), marshalEpk(mine)...)
	return pbes.Encrypt(pw, payload)
}

func splitTranscript(plaintext []byte) (senderID string, epkJSON []byte, err error) {
	idx := bytes.IndexByte(plaintext, '.')
	if idx < 0 {
		return "", nil, fmt.Errorf("%w: transcript missing sender separator", ErrFormat)
	}
	return string(plaintext[:idx]), plaintext[idx+1:], nil
}

// RegisteredOVKM is the OVKM triple a registering device may already hold
// from a prior device's initial registration.
type RegisteredOVKM struct {
	OVKPub jwk.Public
	R      []byte
	MAC    []byte
}

// RegisterResult is what Device.Register returns: the freshly created
// credential bundle plus, depending on which branch fired, either a fresh
// OVKM (initial registration) or an OVK signature (seamless registration).
type RegisterResult struct {
	CredentialPub jwk.Public
	AttSig        []byte
	AttKey        jwk.Public

	// Populated on initial registration.
	InitialOVKM *RegisteredOVKM
	// Populated on seamless registration.
	OVKSig []byte
}

// Register creates a fresh per-service credential and either derives a
// brand-new OVK (no prior OVKM supplied) or proves ownership of an
// existing one via signOVK.
func (d *Device) Register(svcID string, challenge []byte, existing *RegisteredOVKM) (*RegisterResult, error) {
	credPriv, err := eckey.Generate(d.rnd)
	if err != nil {
		return nil, fmt.Errorf("device: generate credential key: %w", err)
	}
	credPub := jwk.FromPublicKey(credPriv.Public())

	attMsg := append(append([]byte{}, challenge...), jwk.CanonicalJSON(credPub)...)
	attSig, err := eckey.Sign(d.rnd, d.attestation, attMsg)
	if err != nil {
		return nil, fmt.Errorf("device: sign attestation: %w", err)
	}

	res := &RegisterResult{
		CredentialPub: credPub,
		AttSig:        attSig,
		AttKey:        d.AttestationPublic(),
	}

	if existing == nil {
		r, err := cryptoprim.RandomBytes(16)
		if err != nil {
			return nil, err
		}
		ovk, err := d.seed.DeriveOVK(r)
		if err != nil {
			return nil, fmt.Errorf("device: derive ovk: %w", err)
		}
		mac, err := d.seed.MacOVK(r, svcID)
		if err != nil {
			return nil, fmt.Errorf("device: mac ovk: %w", err)
		}
		res.InitialOVKM = &RegisteredOVKM{OVKPub: jwk.FromPublicKey(ovk.Public()), R: r, MAC: mac}
	} else {
		ok, err := d.seed.VerifyOVK(existing.R, svcID, existing.MAC)
		if err != nil {
			return nil, fmt.Errorf("device: verify ovk: %w", err)
		}
		if !ok {
			return nil, ErrOvkVerifyFailed
		}
		sig, err := d.seed.SignOVK(existing.R, jwk.CanonicalJSON(credPub))
		if err != nil {
			return nil, fmt.Errorf("device: sign ovk: %w", err)
		}
		res.OVKSig = sig
	}

	d.creds.add(svcID, credPriv)
	log.Debug().Str("dev_id", d.ID).Str("svc_id", svcID).Bool("seamless", existing != nil).Msg("credential registered")
	return res, nil
}

// ServiceOVKM mirrors the OVKM a service returns from startAuthn, plus its
// optional migration candidates.
type ServiceOVKM struct {
	OVKPub jwk.Public
	R      []byte
	MAC    []byte
	Next   []RegisteredOVKM
}

// AuthnUpdate is the optional update message a device attaches to an
// authn response while the service is (from this device's perspective)
// mid-rotation.
type AuthnUpdate struct {
	UpdateSig []byte
	OVKM      RegisteredOVKM
}

// AuthnResult is what Device.Authn returns.
type AuthnResult struct {
	CredentialPub jwk.Public
	Sig           []byte
	Updating      *AuthnUpdate
}

// Authn signs challenge with the credential matching one of the service's
// known credential public keys, and attaches an update message whenever
// this device's seed is rotating: it adopts the first of the service's
// already-posted candidates that validates under this device's seed, and
// mints a fresh candidate only when none does.
func (d *Device) Authn(svcID string, challenge []byte, serviceCreds []jwk.Public, serviceOVKM ServiceOVKM) (*AuthnResult, error) {
	priv, ok := d.creds.FindMatching(serviceCreds)
	if !ok {
		return nil, ErrNoMatchingCredential
	}
	sig, err := eckey.Sign(d.rnd, priv, challenge)
	if err != nil {
		return nil, fmt.Errorf("device: sign challenge: %w", err)
	}
	res := &AuthnResult{CredentialPub: jwk.FromPublicKey(priv.Public()), Sig: sig}

	if !d.seed.IsUpdating() {
		return res, nil
	}

	for _, cand := range serviceOVKM.Next {
		ok, err := d.seed.VerifyOVK(cand.R, svcID, cand.MAC)
		if err != nil {
			continue
		}
		if ok {
			updateSig, err := d.seed.Update(serviceOVKM.R, cand.OVKPub)
			if err != nil {
				return nil, fmt.Errorf("device: update (existing candidate): %w", err)
			}
			res.Updating = &AuthnUpdate{UpdateSig: updateSig, OVKM: cand}
			return res, nil
		}
	}

	r, err := cryptoprim.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	nextOVK, err := d.seed.DeriveOVK(r)
	if err != nil {
		return nil, fmt.Errorf("device: derive next ovk: %w", err)
	}
	mac, err := d.seed.MacOVK(r, svcID)
	if err != nil {
		return nil, fmt.Errorf("device: mac next ovk: %w", err)
	}
	nextPub := jwk.FromPublicKey(nextOVK.Public())
	updateSig, err := d.seed.Update(serviceOVKM.R, nextPub)
	if err != nil {
		return nil, fmt.Errorf("device: update (fresh candidate): %w", err)
	}
	res.Updating = &AuthnUpdate{UpdateSig: updateSig, OVKM: RegisteredOVKM{OVKPub: nextPub, R: r, MAC: mac}}
	return res, nil
}

func marshalEpk(m map[int]jwk.Public) []byte {
	b, _ := marshalEpkJSON(m)
	return b
}
