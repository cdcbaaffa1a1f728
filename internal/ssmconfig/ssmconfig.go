// Package ssmconfig loads the two tunable protocol parameters — the
// migration window duration and the PBES2 iteration count — from AWS
// Systems Manager Parameter Store, falling back to the YAML/default
// config values when no parameter path is configured or the fetch fails.
// Grounded on parent/config.go's config-merging pattern (LoadConfig starts
// from DefaultConfig() then overlays) and on the SSM client shape used by
// tailscale's ipn/store/awsstore.
package ssmconfig

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

// Params are the two values this package can overlay from Parameter Store.
type Params struct {
	MigrationWindow time.Duration
	PBES2Iterations int
}

// Fetcher fetches a single SSM parameter by name. The AWS SDK client
// satisfies this directly; tests can substitute a fake.
type Fetcher interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Client overlays Params from SSM parameters named
// <pathPrefix>/migration_window_ms and <pathPrefix>/pbes2_iterations.
type Client struct {
	ssm        Fetcher
	pathPrefix string
}

// New loads the default AWS credential chain and returns a Client rooted
// at pathPrefix.
func New(ctx context.Context, region, pathPrefix string) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("ssmconfig: load aws config: %w", err)
	}
	return &Client{ssm: ssm.NewFromConfig(awsCfg), pathPrefix: pathPrefix}, nil
}

// Overlay starts from base and replaces any field whose SSM parameter is
// present and well-formed, leaving base's value otherwise. A missing
// parameter is not an error; a malformed one is logged and skipped.
func (c *Client) Overlay(ctx context.Context, base Params) Params {
	out := base

	if ms, ok := c.fetchInt(ctx, "migration_window_ms"); ok {
		out.MigrationWindow = time.Duration(ms) * time.Millisecond
	}
	if iters, ok := c.fetchInt(ctx, "pbes2_iterations"); ok {
		out.PBES2Iterations = iters
	}
	return out
}

func (c *Client) fetchInt(ctx context.Context, leaf string) (int, bool) {
	name := c.pathPrefix + "/" + leaf
	out, err := c.ssm.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name)})
	if err != nil {
		log.Debug().Err(err).Str("parameter", name).Msg("ssmconfig: parameter not available, keeping default")
		return 0, false
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return 0, false
	}
	v, err := strconv.Atoi(*out.Parameter.Value)
	if err != nil {
		log.Warn().Str("parameter", name).Str("value", *out.Parameter.Value).Msg("ssmconfig: malformed value, keeping default")
		return 0, false
	}
	return v, true
}
