// Package backup exports a device's credential-bundle inventory (which
// services it has registered, and under which public JWKs — never private
// scalars) to S3 as a timestamped object, via
// github.com/aws/aws-sdk-go-v2/service/s3. A multi-device story implies
// some out-of-band way to audit which services a device family has
// registered; this gives that an idiomatic Go home without touching the
// core protocol state. Grounded on parent/s3_client.go.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/northlane-systems/seedauth/internal/jwk"
)

// Config names the S3 bucket/prefix backups are written under.
type Config struct {
	Bucket    string
	Region    string
	KeyPrefix string
}

// Entry is one (service, credential) pair in a device's inventory.
type Entry struct {
	ServiceID     string     `json:"service_id"`
	CredentialPub jwk.Public `json:"credential_pub"`
}

// Snapshot is the exported document: a device's attestation public key
// plus every credential it has registered.
type Snapshot struct {
	DeviceID       string     `json:"device_id"`
	AttestationPub jwk.Public `json:"attestation_pub"`
	Credentials    []Entry    `json:"credentials"`
	ExportedAtUnix int64      `json:"exported_at_unix"`
}

// Exporter writes Snapshots to S3.
type Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// New loads the default AWS credential chain and returns an Exporter bound
// to cfg.Bucket/cfg.KeyPrefix.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}
	return &Exporter{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.KeyPrefix,
	}, nil
}

// Export uploads snap as a timestamped JSON object and returns the key it
// was written under. exportedAt is taken from the caller rather than read
// from time.Now() internally, so a restored snapshot's timestamp always
// reflects the moment the caller captured it.
func (e *Exporter) Export(ctx context.Context, snap Snapshot, exportedAt time.Time) (string, error) {
	snap.ExportedAtUnix = exportedAt.Unix()
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("backup: marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("%s%s/%d.json", e.prefix, snap.DeviceID, snap.ExportedAtUnix)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &e.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("backup: put object: %w", err)
	}

	log.Debug().Str("bucket", e.bucket).Str("key", key).Int("size", len(data)).Msg("backup exported")
	return key, nil
}

// Fetch retrieves a previously exported snapshot by key.
func (e *Exporter) Fetch(ctx context.Context, key string) (Snapshot, error) {
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &e.bucket, Key: &key})
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: read object: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("backup: unmarshal snapshot: %w", err)
	}
	return snap, nil
}
