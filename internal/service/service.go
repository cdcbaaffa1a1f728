// Package service implements the server side of the authentication
// protocol: challenge issuance, credential registration (initial and
// OVK-authorized), challenge/response authentication, and the OVK
// migration quorum/timeout state machine. All Service-level errors
// collapse to a boolean at the external boundary; they are logged with
// the underlying cause first so tests and operators can still pinpoint
// it.
package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northlane-systems/seedauth/internal/cryptoprim"
	"github.com/northlane-systems/seedauth/internal/eckey"
	"github.com/northlane-systems/seedauth/internal/jwk"
)

// Internal error kinds. These never cross the Service boundary directly,
// but the boolean-returning methods log them.
var (
	errBadAttestation    = "bad attestation signature"
	errBadOvkSignature   = "bad ovk-bound signature"
	errNoChallenge       = "no pending challenge"
	errUnknownUser       = "unknown user"
	errDoubleInit        = "ovkm supplied for an already-registered user"
	errRegistrationLock  = "user is mid-migration"
	errBadChallengeSig   = "bad challenge signature"
	errCredNotRegistered = "credential not registered to user"
)

// Attestation bundles the attestation signature and public key a
// RegistrationRequest carries alongside a credential.
type Attestation struct {
	Sig []byte
	Key jwk.Public
}

// RegisterOVKM is the OVKM form of a registration's third argument:
// supplied only for a brand-new user.
type RegisterOVKM struct {
	OVKPub jwk.Public
	R      []byte
	MAC    []byte
}

// RegisterSig is the signature form of a registration's third argument:
// supplied for seamless registration against an existing user, signed by
// the trusted OVK over the credential's canonical JSON.
type RegisterSig struct {
	Sig []byte
}

// Service holds per-user CredManager and challenge-stack state. Value
// type; multiple instances may coexist, since nothing is kept in package
// globals.
type Service struct {
	clock  Clock
	window time.Duration

	mu         sync.RWMutex
	users      map[string]*CredManager
	challenges map[string][][]byte
	userLocks  sync.Map // username -> *sync.Mutex
}

// New returns an empty Service using the default three-minute migration
// window. Pass a nil Clock to use the real wall-clock.
func New(clock Clock) *Service {
	return NewWithWindow(clock, MigrationWindow)
}

// NewWithWindow is New but with a caller-chosen migration window, for the
// demo CLI's configurable deployments (internal/config). Protocol
// correctness tests should use New and its literal 180s default window.
func NewWithWindow(clock Clock, window time.Duration) *Service {
	if clock == nil {
		clock = realClock{}
	}
	if window <= 0 {
		window = MigrationWindow
	}
	return &Service{
		clock:      clock,
		window:     window,
		users:      map[string]*CredManager{},
		challenges: map[string][][]byte{},
	}
}

func (s *Service) lockUser(username string) func() {
	lockAny, _ := s.userLocks.LoadOrStore(username, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

// StartAuthnResult is what StartAuthn returns.
type StartAuthnResult struct {
	Challenge []byte
	Known     bool
	Creds     []jwk.Public
	OVKM      OVKM
	Next      []OVKM
}

// StartAuthn issues a fresh challenge for username and pushes it onto
// that user's challenge stack.
func (s *Service) StartAuthn(username string) (*StartAuthnResult, error) {
	unlock := s.lockUser(username)
	defer unlock()

	challenge, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.challenges[username] = append(s.challenges[username], challenge)
	cm, known := s.users[username]
	s.mu.Unlock()

	res := &StartAuthnResult{Challenge: challenge, Known: known}
	if known {
		view := cm.GetCreds()
		for _, c := range view.Creds {
			res.Creds = append(res.Creds, c.CredPub)
		}
		res.OVKM = view.OVKM
		res.Next = view.Next
	}

	log.Debug().Str("username", username).Bool("known", known).Msg("authn challenge issued")
	return res, nil
}

func (s *Service) popChallenge(username string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.challenges[username]
	if len(stack) == 0 {
		return nil, false
	}
	last := stack[len(stack)-1]
	s.challenges[username] = stack[:len(stack)-1]
	return last, true
}

// Register enrolls a credential, either binding a brand-new user to ovkm
// or adding credPub to an existing user under an OVK-bound signature. ovkm
// xor sig must be non-nil; both nil or both non-nil is treated as a
// caller error (returns false).
func (s *Service) Register(username string, credPub jwk.Public, atts Attestation, ovkm *RegisterOVKM, sig *RegisterSig) bool {
	unlock := s.lockUser(username)
	defer unlock()

	challenge, ok := s.popChallenge(username)
	if !ok {
		log.Warn().Str("username", username).Str("reason", errNoChallenge).Msg("register rejected")
		return false
	}

	attMsg := append(append([]byte{}, challenge...), jwk.CanonicalJSON(credPub)...)
	if !eckey.Verify(safePub(atts.Key), attMsg, atts.Sig) {
		log.Warn().Str("username", username).Str("reason", errBadAttestation).Msg("register rejected")
		return false
	}

	if (ovkm == nil) == (sig == nil) {
		log.Warn().Str("username", username).Str("reason", "exactly one of ovkm or sig is required").Msg("register rejected")
		return false
	}

	s.mu.Lock()
	cm, exists := s.users[username]
	s.mu.Unlock()

	if !exists {
		if ovkm == nil {
			log.Warn().Str("username", username).Str("reason", "no prior ovk to bind against").Msg("register rejected")
			return false
		}
		newCM := newCredManager(s.clock, s.window, credPub, OVKM{OVKPub: ovkm.OVKPub, R: ovkm.R, MAC: ovkm.MAC})
		s.mu.Lock()
		s.users[username] = newCM
		s.mu.Unlock()
		log.Info().Str("username", username).Msg("user initialized")
		return true
	}

	if ovkm != nil {
		log.Warn().Str("username", username).Str("reason", errDoubleInit).Msg("register rejected")
		return false
	}
	if sig == nil {
		return false
	}
	if cm.IsUpdating() {
		log.Warn().Str("username", username).Str("reason", errRegistrationLock).Msg("register rejected")
		return false
	}

	trusted := cm.ovkm.OVKPub
	if !eckey.Verify(safePub(trusted), jwk.CanonicalJSON(credPub), sig.Sig) {
		log.Warn().Str("username", username).Str("reason", errBadOvkSignature).Msg("register rejected")
		return false
	}

	cm.Add(credPub)
	log.Info().Str("username", username).Msg("credential added")
	return true
}

// UpdateMsg is the optional migration update attached to an AuthnRequest.
type UpdateMsg struct {
	UpdateSig []byte
	Next      RegisterOVKM
}

// Authn verifies a challenge-response signature from a registered
// credential, optionally folding in a migration update first.
func (s *Service) Authn(username string, credPub jwk.Public, sig []byte, update *UpdateMsg) bool {
	unlock := s.lockUser(username)
	defer unlock()

	if update != nil {
		if !s.applyUpdate(username, credPub, update) {
			return false
		}
	}

	challenge, ok := s.popChallenge(username)
	if !ok {
		log.Warn().Str("username", username).Str("reason", errNoChallenge).Msg("authn rejected")
		return false
	}

	s.mu.RLock()
	cm, exists := s.users[username]
	s.mu.RUnlock()
	if !exists {
		log.Warn().Str("username", username).Str("reason", errUnknownUser).Msg("authn rejected")
		return false
	}

	bound := false
	for _, c := range cm.GetCreds().Creds {
		if jwk.Equal(c.CredPub, credPub) {
			bound = true
			break
		}
	}
	if !bound {
		log.Warn().Str("username", username).Str("reason", errCredNotRegistered).Msg("authn rejected")
		return false
	}

	if !eckey.Verify(safePub(credPub), challenge, sig) {
		log.Warn().Str("username", username).Str("reason", errBadChallengeSig).Msg("authn rejected")
		return false
	}
	return true
}

// applyUpdate verifies a proposed next-OVK update against the currently
// trusted OVK and records the submitting credential's vote. Caller already
// holds the per-user lock.
func (s *Service) applyUpdate(username string, credPub jwk.Public, update *UpdateMsg) bool {
	s.mu.RLock()
	cm, exists := s.users[username]
	s.mu.RUnlock()
	if !exists {
		log.Warn().Str("username", username).Str("reason", errUnknownUser).Msg("update rejected")
		return false
	}

	trusted := cm.ovkm.OVKPub
	nextPub := update.Next.OVKPub
	if !eckey.Verify(safePub(trusted), jwk.CanonicalJSON(nextPub), update.UpdateSig) {
		log.Warn().Str("username", username).Str("reason", errBadOvkSignature).Msg("update rejected")
		return false
	}

	ok := cm.AddUpdating(credPub, OVKM{OVKPub: nextPub, R: update.Next.R, MAC: update.Next.MAC})
	if ok {
		log.Info().Str("username", username).Msg("migration candidate recorded")
	}
	return ok
}

// Delete drops a user's CredManager and challenge stack unconditionally.
func (s *Service) Delete(username string) {
	unlock := s.lockUser(username)
	defer unlock()

	s.mu.Lock()
	delete(s.users, username)
	delete(s.challenges, username)
	s.mu.Unlock()
}

// safePub decodes a JWK to a point, returning the identity element on
// any parse/validation failure so callers can feed it straight into
// eckey.Verify and get a clean false rather than propagating a decode
// error through every verification call site.
func safePub(j jwk.Public) *eckey.PublicKey {
	pub, err := j.ToPublicKey()
	if err != nil {
		return &eckey.PublicKey{}
	}
	return pub
}
