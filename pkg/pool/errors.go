package pool

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pario-ai/keypool/pkg/quota"
	"github.com/pario-ai/keypool/pkg/rotation"
	"github.com/pario-ai/keypool/pkg/store"
)

// ErrPoolDepleted is returned when no selectable credential can serve a
// request.
var ErrPoolDepleted = errors.New("no selectable credential")

// AdminPreconditionError is returned when an administrative operation is
// rejected because of the current state of the pool.
type AdminPreconditionError struct {
	Op     string
	ID     string
	Reason string
	Err    error
}

func (e *AdminPreconditionError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Reason)
}

func (e *AdminPreconditionError) Unwrap() error { return e.Err }

// precondition turns store-level rejections into AdminPreconditionErrors and
// wraps everything else.
func precondition(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var pe *AdminPreconditionError
	if errors.As(err, &pe) {
		return err
	}
	var reason string
	switch {
	case errors.Is(err, store.ErrNotFound):
		reason = "not found"
	case errors.Is(err, store.ErrConflict):
		reason = "already exists"
	case errors.Is(err, store.ErrBackupState):
		reason = "illegal backup state"
	case errors.Is(err, rotation.ErrPoolDepletion):
		reason = "no unused backup credential"
	default:
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return &AdminPreconditionError{Op: op, ID: id, Reason: reason, Err: err}
}

// HTTPStatus maps a pool, quota or store error to a response status.
func HTTPStatus(err error) int {
	var pe *AdminPreconditionError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrPoolDepleted):
		return http.StatusServiceUnavailable
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, quota.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrUnknownAccount):
		return http.StatusUnauthorized
	case errors.Is(err, quota.ErrAccountInactive), errors.Is(err, quota.ErrPlanExpired):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &pe), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
