//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
