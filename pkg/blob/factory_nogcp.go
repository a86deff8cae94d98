//go:build !gcp

package blob

import (
	"context"
	"errors"
)

func newGCSStore(context.Context, GCSConfig) (Store, error) {
	return nil, errors.New("blob: GCS storage is not enabled in this build (use -tags gcp)")
}
