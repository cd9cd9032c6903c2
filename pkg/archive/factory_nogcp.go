//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(ctx context.Context, cfg Config) (Sink, error) {
	return nil, fmt.Errorf("archive: gcs is not enabled in this build (use -tags gcp)")
}
