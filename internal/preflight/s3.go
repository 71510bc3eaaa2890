// Package preflight checks that an object-store repository is reachable with
// the configured credentials before restic is started against it.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/snapbackup/internal/model"
	"github.com/edvin/snapbackup/internal/restic"
)

var (
	ErrNotS3          = errors.New("repository is not an s3 repository")
	ErrNoCredentials  = errors.New("no AWS credentials in environment file or process environment")
	ErrBucketNotFound = errors.New("bucket not reachable")
)

// Location is the parsed form of a restic "s3:" repository URL.
type Location struct {
	Endpoint string
	Bucket   string
	Prefix   string
}

// ParseURL parses "s3:https://host/bucket/prefix" and "s3:host/bucket/prefix".
// A bare host defaults to https.
func ParseURL(url string) (Location, error) {
	rest, ok := strings.CutPrefix(url, "s3:")
	if !ok {
		return Location{}, fmt.Errorf("%s: %w", url, ErrNotS3)
	}
	scheme := "https://"
	for _, s := range []string{"https://", "http://"} {
		if after, found := strings.CutPrefix(rest, s); found {
			scheme, rest = s, after
			break
		}
	}
	host, path, _ := strings.Cut(rest, "/")
	bucket, prefix, _ := strings.Cut(path, "/")
	if host == "" || bucket == "" {
		return Location{}, fmt.Errorf("invalid s3 repository url %q", url)
	}
	return Location{Endpoint: scheme + host, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// S3Checker issues a HeadBucket against s3 repositories.
type S3Checker struct {
	logger zerolog.Logger
	lookup func(key string) string
}

func NewS3Checker(logger zerolog.Logger) *S3Checker {
	return &S3Checker{
		logger: logger.With().Str("component", "preflight").Logger(),
		lookup: os.Getenv,
	}
}

// Check verifies repo's bucket answers HeadBucket. Repositories that are not
// on s3 pass without a request.
func (c *S3Checker) Check(ctx context.Context, repo model.Repository) error {
	loc, err := ParseURL(repo.URL)
	if errors.Is(err, ErrNotS3) {
		c.logger.Debug().Str("repository", repo.Name).Msg("not an s3 repository, skipping preflight")
		return nil
	}
	if err != nil {
		return err
	}

	env, err := c.environment(repo)
	if err != nil {
		return err
	}
	key, secret := env["AWS_ACCESS_KEY_ID"], env["AWS_SECRET_ACCESS_KEY"]
	if key == "" || secret == "" {
		return fmt.Errorf("repository %s: %w", repo.Name, ErrNoCredentials)
	}
	region := env["AWS_DEFAULT_REGION"]
	if region == "" {
		region = "us-east-1"
	}

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(loc.Endpoint),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(key, secret, env["AWS_SESSION_TOKEN"]),
		UsePathStyle: true,
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(loc.Bucket)}); err != nil {
		return fmt.Errorf("repository %s: %w %s at %s: %w", repo.Name, ErrBucketNotFound, loc.Bucket, loc.Endpoint, err)
	}

	c.logger.Debug().
		Str("repository", repo.Name).
		Str("endpoint", loc.Endpoint).
		Str("bucket", loc.Bucket).
		Msg("s3 repository reachable")
	return nil
}

// environment merges the process environment with the repository's
// environment file; the file wins.
func (c *S3Checker) environment(repo model.Repository) (map[string]string, error) {
	env := make(map[string]string)
	for _, k := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN", "AWS_DEFAULT_REGION"} {
		if v := c.lookup(k); v != "" {
			env[k] = v
		}
	}
	if repo.EnvironmentFile == "" {
		return env, nil
	}
	lines, err := restic.ReadEnvFile(repo.EnvironmentFile)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}
