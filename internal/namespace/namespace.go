// Package namespace is the metadata service transfers resolve local paths
// against.
package namespace

import (
	"context"

	"github.com/CZERTAINLY/Courier/internal/checksum"
	"github.com/CZERTAINLY/Courier/internal/model"
)

// XattrOriginURL records where a pulled file came from.
const XattrOriginURL = "xdg.origin.url"

// Namespace errors are *model.Error values of kind NOT_FOUND,
// PERMISSION_DENIED, ALREADY_EXISTS or CONFLICT.
type Namespace interface {
	// Resolve returns the attributes of path. A non-empty want adds the
	// checksum of that type.
	Resolve(ctx context.Context, path string, want checksum.Type) (model.FileAttributes, error)
	// CreateEntry creates an empty regular file.
	CreateEntry(ctx context.Context, path string, xattrs map[string]string) (model.FileAttributes, error)
	// DeleteEntry removes path if it is still the entry id.
	DeleteEntry(ctx context.Context, id, path string) error
	// FetchChecksum returns the checksum of path, or false if it is not
	// available.
	FetchChecksum(ctx context.Context, path string, t checksum.Type) (string, bool, error)
}
