// Package previewstore keeps matched-image previews returned by the backend so
// the submission log can show them after the result is dismissed.
package previewstore

import (
	"context"
	"errors"

	"github.com/vbonduro/reunite/internal/domain"
)

// ErrNotFound is returned for a key with no stored preview.
var ErrNotFound = errors.New("preview not found")

type PreviewStore interface {
	Save(ctx context.Context, source domain.Source, image domain.Blob) (key string, err error)
	Get(ctx context.Context, key string) (domain.Blob, error)
	Delete(ctx context.Context, key string) error
}
