package kubernetes

import (
	"context"
	"errors"
	"fmt"

	"github.com/gluk-w/appmirror/internal/remote"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// classify maps an API error into the remote taxonomy. Cancellation is
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
	case apierrors.IsNotFound(err):
		kind = remote.KindNotFound
	case apierrors.IsAlreadyExists(err), apierrors.IsConflict(err):
		kind = remote.KindConflict
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		kind = remote.KindAuthentication
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		kind = remote.KindValidation
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		errors.Is(err, context.DeadlineExceeded):
		kind = remote.KindTimeout
	default:
		kind = remote.KindNetwork
	}
	return remote.NewError(kind, op, name, err)
}
