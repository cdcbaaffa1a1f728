// Package wire hosts the exported message shapes that carry the protocol
// over a network, with field names chosen to travel unmodified over either
// an HTTP/JSON transport or the NATS demo transport in
// internal/transport/natsbus. Nothing in the core protocol packages (seed,
// device, service) imports this package; it exists purely as the
// wire-format boundary.
package wire

import "github.com/northlane-systems/seedauth/internal/jwk"

// OVKM is the wire form of the ownership-verification-key material triple,
// optionally carrying migration candidates when it accompanies a
// StartAuthnResponse for a user mid-rotation.
type OVKM struct {
	OVKJWK jwk.Public `json:"ovk_jwk"`
	RB64U  string     `json:"r_b64u"`
	MACB64U string    `json:"mac_b64u"`
	Next   []OVKM     `json:"next,omitempty"`
}

// AttestationBundle is the attestation signature and public key carried
// alongside a freshly registered credential.
type AttestationBundle struct {
	SigB64U string     `json:"sig_b64u"`
	Key     jwk.Public `json:"key"`
}

// CredentialBundle is a credential's public JWK plus its attestation.
type CredentialBundle struct {
	JWK  jwk.Public        `json:"jwk"`
	Atts AttestationBundle `json:"atts"`
}

// StartAuthnRequest asks the service to issue a fresh challenge.
type StartAuthnRequest struct {
	Username string `json:"username"`
}

// StartAuthnResponse is the service's reply: a challenge alone for an
// unknown user, or a challenge plus the user's known credentials and
// trusted OVKM for a known one.
type StartAuthnResponse struct {
	ChallengeB64U string       `json:"challenge_b64u"`
	Creds         []jwk.Public `json:"creds,omitempty"`
	OVKM          *OVKM        `json:"ovkm,omitempty"`
}

// RegistrationOVKMForm is the RegistrationRequest.OVKM shape used for a
// brand-new user's initial registration.
type RegistrationOVKMForm struct {
	OVKJWK  jwk.Public `json:"ovk_jwk"`
	RB64U   string     `json:"r_b64u"`
	MACB64U string     `json:"mac_b64u"`
}

// RegistrationSigForm is the RegistrationRequest.Sig shape used for
// seamless registration of an additional credential against an existing
// user: a signature over the credential's canonical JSON under the
// trusted OVK. It travels under its own "sig" key, not inside "ovkm".
type RegistrationSigForm struct {
	SigB64U string `json:"sig_b64u"`
}

// RegistrationRequest enrolls a credential for username. Exactly one of
// OVKM or Sig is populated. RequestID is a transport-level correlation id
// (not part of the cryptographic protocol) so a NATS-based deployment can
// deduplicate retried publishes and tie a request to its logged outcome.
type RegistrationRequest struct {
	RequestID string                `json:"request_id"`
	Username  string                `json:"username"`
	Cred      CredentialBundle      `json:"cred"`
	OVKM      *RegistrationOVKMForm `json:"ovkm,omitempty"`
	Sig       *RegistrationSigForm  `json:"sig,omitempty"`
}

// UpdatingForm is the optional migration update an AuthnRequest attaches
// when the sending device's seed is rotating.
type UpdatingForm struct {
	UpdateB64U string `json:"update_b64u"`
	OVKM       OVKM   `json:"ovkm"`
}

// AuthnRequest is a challenge-response authentication attempt, optionally
// carrying a migration update message. RequestID is the same transport
// correlation id as RegistrationRequest.RequestID.
type AuthnRequest struct {
	RequestID string        `json:"request_id"`
	Username  string        `json:"username"`
	CredJWK   jwk.Public    `json:"cred_jwk"`
	SigB64U   string        `json:"sig_b64u"`
	Updating  *UpdatingForm `json:"updating,omitempty"`
}

// BoolResponse is the wire shape of every register/login/reset response:
// a bare JSON boolean.
type BoolResponse bool
