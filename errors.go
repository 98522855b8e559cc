package ladle

import (
	"errors"

	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/metric"
)

// ErrChainAborted is returned when a script fails and bypass on error is off.
var ErrChainAborted = errors.New("script chain aborted")

// statusFor maps a handling error to the ICAP status written back.
func statusFor(err error) int {
	if errors.Is(err, ErrChainAborted) {
		return icap.StatusServiceTimeout
	}

	return icap.StatusFor(err)
}

func failReason(err error) metric.FailReason {
	switch {
	case errors.Is(err, ErrChainAborted):
		return metric.FailReasonScriptError
	case errors.Is(err, icap.ErrTruncated):
		return metric.FailReasonTruncated
	case errors.Is(err, icap.ErrMalformed):
		return metric.FailReasonMalformed
	default:
		return metric.FailReasonInternal
	}
}
