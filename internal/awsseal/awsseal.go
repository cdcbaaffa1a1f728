// Package awsseal wraps github.com/aws/aws-sdk-go-v2/service/kms behind the
// same two-method Encrypt/Decrypt shape as device.AttestationKeyStore, so a
// deployment can keep a device's long-lived attestation private key sealed
// at rest under a KMS CMK instead of holding it in plain process memory.
// Grounded on parent/kms_client.go's KMSClient; the attestation-specific
// methods there (attestation-document recipients) are intentionally not
// ported, since this PoC does not validate attestation provenance.
package awsseal

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
)

// Config names the KMS key used to seal/unseal an attestation key.
type Config struct {
	Region string
	KeyARN string
}

// Sealer seals and unseals small byte strings (an attestation private
// scalar, at most) under a KMS customer master key. Not wired into the
// default in-memory Device, whose attestation key lives only for the
// process lifetime, but any component expecting an Encrypt/Decrypt pair can
// take one in its place.
type Sealer struct {
	client *kms.Client
	keyARN string
}

// New loads the default AWS credential chain and returns a Sealer bound to
// cfg.KeyARN.
func New(ctx context.Context, cfg Config) (*Sealer, error) {
	if cfg.KeyARN == "" {
		return nil, fmt.Errorf("awsseal: key arn is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("awsseal: load aws config: %w", err)
	}
	return &Sealer{client: kms.NewFromConfig(awsCfg), keyARN: cfg.KeyARN}, nil
}

// Encrypt seals plaintext under the configured CMK.
func (s *Sealer) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyARN),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("awsseal: kms encrypt: %w", err)
	}
	log.Debug().Int("plaintext_len", len(plaintext)).Msg("awsseal: sealed")
	return out.CiphertextBlob, nil
}

// Decrypt unseals ciphertext produced by Encrypt.
func (s *Sealer) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(s.keyARN),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("awsseal: kms decrypt: %w", err)
	}
	log.Debug().Int("plaintext_len", len(out.Plaintext)).Msg("awsseal: unsealed")
	return out.Plaintext, nil
}
