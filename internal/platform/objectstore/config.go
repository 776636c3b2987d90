package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

// GCSInteropEndpoint serves the S3-compatible XML API of Cloud Storage.
const GCSInteropEndpoint = "storage.googleapis.com"

// Config describes an S3-compatible staging location.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ConfigFromDestination builds the S3 settings for a destination that staging
// writes reach through an access-key pair. Without an explicit endpoint the
// Cloud Storage interop endpoint is used.
func ConfigFromDestination(dest domain.DestinationConnection) (Config, error) {
	endpoint, useSSL := splitEndpoint(dest.StagingEndpoint)
	if endpoint == "" {
		endpoint, useSSL = GCSInteropEndpoint, true
	}
	if dest.StagingInsecure {
		useSSL = false
	}
	region := strings.TrimSpace(dest.StagingRegion)
	if region == "" {
		region = "auto"
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: strings.TrimSpace(dest.HMACAccessKey),
		SecretKey: strings.TrimSpace(dest.HMACSecret),
		Region:    region,
		UseSSL:    useSSL,
		Bucket:    dest.Bucket(),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("destination %s: %w", dest.ID, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// splitEndpoint strips an http(s) scheme and reports whether TLS is implied.
func splitEndpoint(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), false
	default:
		return strings.TrimSuffix(raw, "/"), true
	}
}
