package archive

import (
	"context"
	"fmt"
)

// Backend kinds.
const (
	KindFS  = "fs"
	KindS3  = "s3"
	KindGCS = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Kind     string
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: fs backend needs a directory")
		}
		return NewFileStore(cfg.Dir)
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend needs a bucket")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: gcs backend needs a bucket")
		}
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Kind)
	}
}
