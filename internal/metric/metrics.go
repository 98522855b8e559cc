package metric

import "time"

type FailReason string

const (
	FailReasonMalformed   FailReason = "malformed_request"
	FailReasonTruncated   FailReason = "truncated_request"
	FailReasonScriptError FailReason = "script_error"
	FailReasonOverloaded  FailReason = "overloaded"
	FailReasonInternal    FailReason = "internal_error"
	FailReasonUnknown     FailReason = "unknown"
)

// ScriptOutcome labels one script invocation.
type ScriptOutcome string

const (
	ScriptOutcomeOK      ScriptOutcome = "ok"
	ScriptOutcomeError   ScriptOutcome = "error"
	ScriptOutcomeTimeout ScriptOutcome = "timeout"
	ScriptOutcomePanic   ScriptOutcome = "panic"
)

type Metrics interface {
	IncRequestsTotal(mode string)
	UpdateRequestsDuration(mode string, start time.Time)
	IncResponsesTotal(mode string, status int)
	IncRequestsInFlight()
	DecRequestsInFlight()
	IncFailedRequestsTotal(FailReason)
	UpdateScriptLatency(script string, outcome ScriptOutcome, lat time.Duration)
	IncScriptsDisabled(script string)
	SetScriptsLoaded(mode string, n int)
	IncReloadsTotal(ok bool)
}
