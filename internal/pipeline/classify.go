package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/cascade/internal/domain"
)

// classify maps an error raised in a stage to a failure reason. The
// pipeline context is checked first: once it has ended, every error is a
// consequence of the deadline or cancellation. The run-level deadline
// counts as cancellation, only the repo's own deadline is a timeout.
func classify(ctx context.Context, err error, fallback domain.FailureReason) (domain.FailureReason, error) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		if cause := context.Cause(ctx); errors.Is(cause, domain.ErrRunDeadline) {
			return domain.ReasonCanceled, fmt.Errorf("%w: %v", cause, err)
		}
		return domain.ReasonTimeout, fmt.Errorf("%w: %v", domain.ErrPipelineTimeout, err)
	case context.Canceled:
		return domain.ReasonCanceled, err
	}
	switch {
	case errors.Is(err, domain.ErrOracleUnavailable):
		return domain.ReasonOracleUnavailable, err
	case errors.Is(err, domain.ErrOracleTimeout):
		return domain.ReasonOracleTimeout, err
	case errors.Is(err, domain.ErrBranchConflict):
		return domain.ReasonBranchConflict, err
	case errors.Is(err, domain.ErrNoChanges):
		return domain.ReasonNoChanges, err
	case errors.Is(err, domain.ErrHostingUnavailable):
		return domain.ReasonHostingUnavailable, err
	case errors.Is(err, domain.ErrTestsExhausted):
		return domain.ReasonTestsExhausted, err
	case errors.Is(err, domain.ErrReviewBlocked):
		return domain.ReasonReviewBlocked, err
	}
	return fallback, err
}
