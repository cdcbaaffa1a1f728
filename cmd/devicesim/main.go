// Command devicesim is a local demonstration of the multi-device
// authenticator protocol: it negotiates a shared seed between two
// simulated devices, registers both against a simulated Service (the
// second seamlessly, via its OVK), and runs a challenge/response authn
// round for each. Persistence, attestation-key sealing, and
// credential-bundle backup are optional and only exercised when the config
// file turns them on; NATS publication happens only with -publish.
// Structured the way parent/main.go wires its
// flags, config, and signal handling.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/northlane-systems/seedauth/internal/awsseal"
	"github.com/northlane-systems/seedauth/internal/backup"
	"github.com/northlane-systems/seedauth/internal/config"
	"github.com/northlane-systems/seedauth/internal/device"
	"github.com/northlane-systems/seedauth/internal/jwk"
	"github.com/northlane-systems/seedauth/internal/seed"
	"github.com/northlane-systems/seedauth/internal/service"
	"github.com/northlane-systems/seedauth/internal/ssmconfig"
	"github.com/northlane-systems/seedauth/internal/storage"
	"github.com/northlane-systems/seedauth/internal/transport/natsbus"
	"github.com/northlane-systems/seedauth/internal/wire"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "devicesim.yaml", "path to configuration file")
	svcID := flag.String("service", "example.svc", "service identifier used for this demo run")
	username := flag.String("username", "alice", "username used for this demo run")
	publishWire := flag.Bool("publish", false, "publish the registration wire messages to the configured NATS server")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", version).Str("config", *configPath).Msg("devicesim starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx := context.Background()
	if cfg.SSM.PathPrefix != "" {
		ssmClient, err := ssmconfig.New(ctx, cfg.SSM.Region, cfg.SSM.PathPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("ssm overlay unavailable, keeping file/default config")
		} else {
			cfg.ApplySSM(ctx, ssmClient)
		}
	}

	var store storage.Store
	if cfg.Storage.SQLitePath != "" {
		st, err := storage.OpenSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open sqlite store")
		}
		defer st.Close()
		store = st
	}

	var bus *natsbus.Bus
	if *publishWire {
		bus, err = natsbus.Connect(natsbus.Config{
			URL:           cfg.Transport.URL,
			ReconnectWait: time.Duration(cfg.Transport.ReconnectMS) * time.Millisecond,
			MaxReconnects: cfg.Transport.MaxReconnects,
		})
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, continuing without wire publication")
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	var sealer *awsseal.Sealer
	if cfg.Seal.KeyARN != "" {
		sealer, err = awsseal.New(ctx, awsseal.Config{Region: cfg.Seal.Region, KeyARN: cfg.Seal.KeyARN})
		if err != nil {
			log.Warn().Err(err).Msg("attestation-key sealer unavailable, keeping attestation keys in process memory")
			sealer = nil
		}
	}

	var exporter *backup.Exporter
	if cfg.Backup.Bucket != "" {
		exporter, err = backup.New(ctx, backup.Config{
			Bucket: cfg.Backup.Bucket, Region: cfg.Backup.Region, KeyPrefix: cfg.Backup.KeyPrefix,
		})
		if err != nil {
			log.Warn().Err(err).Msg("credential-bundle backup unavailable, skipping export")
			exporter = nil
		}
	}

	if err := run(ctx, cfg, store, bus, sealer, exporter, *svcID, *username); err != nil {
		log.Fatal().Err(err).Msg("devicesim run failed")
	}
	log.Info().Msg("devicesim finished")
}

func run(ctx context.Context, cfg *config.Config, store storage.Store, bus *natsbus.Bus, sealer *awsseal.Sealer, exporter *backup.Exporter, svcID, username string) error {
	devA, err := device.New("device-a", seed.New(nil), nil)
	if err != nil {
		return err
	}
	devB, err := device.New("device-b", seed.New(nil), nil)
	if err != nil {
		return err
	}

	if sealer != nil {
		if err := demonstrateSeal(ctx, sealer); err != nil {
			log.Warn().Err(err).Msg("attestation-key seal round trip failed, continuing with in-memory key")
		}
	}

	if err := negotiateRing(devA, devB, []byte("correct horse battery staple")); err != nil {
		return err
	}
	log.Info().Msg("seed negotiation complete between device-a and device-b")

	svc := service.NewWithWindow(nil, cfg.MigrationWindow())

	challenge1, err := svc.StartAuthn(username)
	if err != nil {
		return err
	}
	regA, err := devA.Register(svcID, challenge1.Challenge, nil)
	if err != nil {
		return err
	}
	if bus != nil {
		publishRegistration(bus, username, regA)
	}
	ok := svc.Register(username, regA.CredentialPub,
		service.Attestation{Sig: regA.AttSig, Key: regA.AttKey},
		&service.RegisterOVKM{OVKPub: regA.InitialOVKM.OVKPub, R: regA.InitialOVKM.R, MAC: regA.InitialOVKM.MAC},
		nil)
	log.Info().Bool("ok", ok).Str("device", devA.ID).Msg("initial registration")
	if !ok {
		return errRegistrationFailed
	}

	challenge2, err := svc.StartAuthn(username)
	if err != nil {
		return err
	}
	regB, err := devB.Register(svcID, challenge2.Challenge, &device.RegisteredOVKM{
		OVKPub: regA.InitialOVKM.OVKPub, R: regA.InitialOVKM.R, MAC: regA.InitialOVKM.MAC,
	})
	if err != nil {
		return err
	}
	if bus != nil {
		publishRegistration(bus, username, regB)
	}
	ok = svc.Register(username, regB.CredentialPub,
		service.Attestation{Sig: regB.AttSig, Key: regB.AttKey},
		nil, &service.RegisterSig{Sig: regB.OVKSig})
	log.Info().Bool("ok", ok).Str("device", devB.ID).Msg("seamless registration")
	if !ok {
		return errRegistrationFailed
	}

	for _, d := range []*device.Device{devA, devB} {
		start, err := svc.StartAuthn(username)
		if err != nil {
			return err
		}
		authnRes, err := d.Authn(svcID, start.Challenge, start.Creds, device.ServiceOVKM{
			OVKPub: start.OVKM.OVKPub, R: start.OVKM.R, MAC: start.OVKM.MAC,
		})
		if err != nil {
			return err
		}
		ok = svc.Authn(username, authnRes.CredentialPub, authnRes.Sig, nil)
		log.Info().Bool("ok", ok).Str("device", d.ID).Msg("authn")
		if !ok {
			return errAuthnFailed
		}
	}

	if store != nil {
		if err := snapshotService(store, username, svc); err != nil {
			log.Warn().Err(err).Msg("persistence snapshot failed, continuing since it is not required for the demo run to succeed")
		}
	}

	if exporter != nil {
		if err := exportInventory(ctx, exporter, devA); err != nil {
			log.Warn().Err(err).Msg("credential-bundle export failed")
		}
	}

	return nil
}

// negotiateRing drives a two-device ring negotiation to completion by
// repeatedly exchanging sealed transcripts through device.SeedNegotiating.
func negotiateRing(a, b *device.Device, pw []byte) error {
	ctA, err := a.InitSeedNegotiation(pw, b.ID, 2, false)
	if err != nil {
		return err
	}
	ctB, err := b.InitSeedNegotiation(pw, a.ID, 2, false)
	if err != nil {
		return err
	}

	doneA, doneB := false, false
	for !doneA || !doneB {
		if !doneB {
			var err error
			doneB, ctB, err = b.SeedNegotiating(a.ID, false, ctA)
			if err != nil {
				return err
			}
		}
		if !doneA {
			var err error
			doneA, ctA, err = a.SeedNegotiating(b.ID, false, ctB)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func snapshotService(store storage.Store, username string, svc *service.Service) error {
	view, err := svc.StartAuthn(username)
	if err != nil {
		return err
	}
	rec := storage.ServiceRecord{Username: username}
	for _, c := range view.Creds {
		rec.Creds = append(rec.Creds, storage.CredRecord{CredPub: jwk.CanonicalJSON(c)})
	}
	rec.OVKM = storage.OVKMRecord{
		OVKPub: jwk.CanonicalJSON(view.OVKM.OVKPub),
		R:      view.OVKM.R,
		MAC:    view.OVKM.MAC,
	}
	return store.SaveService(rec)
}

// publishRegistration marshals a RegisterResult as a wire.RegistrationRequest
// and publishes it on the demo "seedauth.register" subject. Best-effort: a
// publish failure is logged, never fatal to the in-process flow it mirrors.
func publishRegistration(bus *natsbus.Bus, username string, res *device.RegisterResult) {
	req := wire.RegistrationRequest{
		RequestID: natsbus.NewRequestID(),
		Username:  username,
		Cred: wire.CredentialBundle{
			JWK: res.CredentialPub,
			Atts: wire.AttestationBundle{
				SigB64U: base64.RawURLEncoding.EncodeToString(res.AttSig),
				Key:     res.AttKey,
			},
		},
	}
	if res.InitialOVKM != nil {
		req.OVKM = &wire.RegistrationOVKMForm{
			OVKJWK:  res.InitialOVKM.OVKPub,
			RB64U:   base64.RawURLEncoding.EncodeToString(res.InitialOVKM.R),
			MACB64U: base64.RawURLEncoding.EncodeToString(res.InitialOVKM.MAC),
		}
	}
	if res.OVKSig != nil {
		req.Sig = &wire.RegistrationSigForm{SigB64U: base64.RawURLEncoding.EncodeToString(res.OVKSig)}
	}

	data, err := json.Marshal(req)
	if err != nil {
		log.Warn().Err(err).Msg("marshal registration request failed")
		return
	}
	if err := bus.Publish("seedauth.register", data); err != nil {
		log.Warn().Err(err).Msg("publish registration request failed")
	}
}

// demonstrateSeal exercises the optional KMS-backed attestation-key sealer
// with a throwaway secret, so the sealing round trip is verified reachable
// without touching either device's real attestation key.
func demonstrateSeal(ctx context.Context, sealer *awsseal.Sealer) error {
	plaintext := []byte("devicesim attestation-key seal smoke test")
	ciphertext, err := sealer.Encrypt(ctx, plaintext)
	if err != nil {
		return err
	}
	_, err = sealer.Decrypt(ctx, ciphertext)
	return err
}

// exportInventory uploads dev's registered-service inventory to the
// configured backup destination.
func exportInventory(ctx context.Context, exporter *backup.Exporter, dev *device.Device) error {
	snap := backup.Snapshot{DeviceID: dev.ID, AttestationPub: dev.AttestationPublic()}
	for _, entry := range dev.CredEntries() {
		snap.Credentials = append(snap.Credentials, backup.Entry{ServiceID: entry.SvcID, CredentialPub: entry.Pub})
	}
	_, err := exporter.Export(ctx, snap, time.Now())
	return err
}

var (
	errRegistrationFailed = simpleErrorf("registration rejected")
	errAuthnFailed        = simpleErrorf("authn rejected")
)

func simpleErrorf(msg string) error { return &simpleError{msg} }

type simpleError struct{ msg string }

func (e *simpleError) Error() string { return e.msg }
