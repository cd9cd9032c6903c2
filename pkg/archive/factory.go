package archive

import (
	"context"
	"fmt"
)

// Kind selects a Sink backend.
type Kind string

const (
	KindNone Kind = ""
	KindFS   Kind = "fs"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// Config selects and configures a Sink.
type Config struct {
	Kind     Kind
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// New builds the configured sink. KindNone returns a nil Sink, which
// disables archiving.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Kind {
	case KindNone:
		return nil, nil
	case KindFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/reports"
		}
		fs, err := NewFileSink(dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for s3")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		sink, err := NewS3Sink(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for gcs")
		}
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported sink %q", cfg.Kind)
	}
}
