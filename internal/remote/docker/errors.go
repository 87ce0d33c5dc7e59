package docker

import (
	"context"
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/gluk-w/appmirror/internal/remote"
)

// classify maps an engine error into the remote taxonomy. Cancellation is
// returned wrapped, not classified.
func classify(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	var kind remote.Kind
	switch {
	case cerrdefs.IsNotFound(err):
		kind = remote.KindNotFound
	case cerrdefs.IsAlreadyExists(err), cerrdefs.IsConflict(err):
		kind = remote.KindConflict
	case cerrdefs.IsUnauthorized(err), cerrdefs.IsPermissionDenied(err):
		kind = remote.KindAuthentication
	case cerrdefs.IsInvalidArgument(err):
		kind = remote.KindValidation
	case cerrdefs.IsDeadlineExceeded(err), errors.Is(err, context.DeadlineExceeded):
		kind = remote.KindTimeout
	default:
		kind = remote.KindNetwork
	}
	return remote.NewError(kind, op, name, err)
}
