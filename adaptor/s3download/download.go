// Package s3download provides S3 artifact download with SHA-256 digest
// verification.
package s3download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Downloader fetches update artifacts from S3.
type Downloader struct {
	client *s3.Client
	logger *slog.Logger
}

// NewDownloader creates an S3 downloader from an AWS config.
// Pass a non-nil httpClient to use a custom transport (e.g. for proxy support);
// nil uses the default from the AWS config.
//
//	dl := s3download.NewDownloader(cfg, "us-east-1", "", false, nil, slog.Default())
//	err := dl.Download(ctx, bucket, key, version, digest, destPath)
func NewDownloader(awsCfg aws.Config, region, endpointOverride string, useFIPS bool, httpClient *http.Client, logger *slog.Logger) *Downloader {
	opts := func(o *s3.Options) {
		o.Region = region
		if endpointOverride != "" {
			o.BaseEndpoint = aws.String(endpointOverride)
		} else if useFIPS {
			o.BaseEndpoint = aws.String(fmt.Sprintf("https://s3-fips.%s.amazonaws.com", region))
		}
		if httpClient != nil {
			o.HTTPClient = httpClient
		}
	}

	return &Downloader{
		client: s3.NewFromConfig(awsCfg, opts),
		logger: logger,
	}
}

// Download fetches an object from S3 and writes it to destPath. If sha256Hex
// is non-empty, the downloaded bytes must hash to that digest; on mismatch
// the destination file is removed so a corrupt artifact never survives on
// disk.
//
//	err := dl.Download(ctx, "my-bucket", "fw/image.swu", "v1", digest, "/tmp/image.swu")
func (d *Downloader) Download(ctx context.Context, bucket, key, version, sha256Hex, destPath string) error {
	d.logger.Info("downloading artifact", "bucket", bucket, "key", key, "version", version)

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if version != "" {
		input.VersionId = aws.String(version)
	}

	output, err := d.client.GetObject(ctx, input)
	if err != nil {
		return fmt.Errorf("s3download: GetObject %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = output.Body.Close() }()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("s3download: create %s: %w", destPath, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), output.Body); err != nil {
		return fmt.Errorf("s3download: write %s: %w", destPath, err)
	}

	if sha256Hex != "" {
		actual := hex.EncodeToString(h.Sum(nil))
		expected := strings.ToLower(sha256Hex)
		if actual != expected {
			_ = f.Close()
			_ = os.Remove(destPath)
			return fmt.Errorf("s3download: SHA-256 mismatch: expected %s, got %s", expected, actual)
		}
	}

	d.logger.Info("download complete", "bucket", bucket, "key", key)
	return nil
}

// VerifyFile hashes an existing file and compares it to the expected digest.
// Used on crash recovery to decide whether a previously downloaded artifact
// can be reused.
func VerifyFile(path, sha256Hex string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("s3download: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("s3download: read %s: %w", path, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	expected := strings.ToLower(sha256Hex)
	if actual != expected {
		return fmt.Errorf("s3download: SHA-256 mismatch for %s: expected %s, got %s", path, expected, actual)
	}
	return nil
}
