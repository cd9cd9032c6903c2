//go:build gcp

package archive

import "context"

func newGCSSink(ctx context.Context, cfg Config) (Sink, error) {
	s, err := NewGCSSink(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	if err != nil {
		return nil, err
	}
	return s, nil
}
