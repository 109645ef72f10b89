package adapter

import (
	"context"
	"errors"

	"github.com/3leaps/cropgrid/pkg/status"
)

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Classify maps an adapter error to a terminal status: timeouts to TIMEOUT,
// process failures to RUN_ERROR, and anything else to UNKNOWN_ERROR.
func Classify(err error) status.Code {
	var execErr *ExecError
	switch {
	case err == nil:
		return status.Success
	case isTimeout(err):
		return status.Timeout
	case errors.As(err, &execErr):
		return status.RunError
	default:
		return status.UnknownError
	}
}
