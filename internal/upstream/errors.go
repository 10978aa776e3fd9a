package upstream

import "fmt"

// FailureReason classifies why a live call to an upstream failed, per
// spec.md §7. A reason is recorded purely for observability; every
// reason drives the same circuit-breaker transition.
type FailureReason string

const (
	ReasonTimeout     FailureReason = "timeout"
	ReasonTransport   FailureReason = "transport"
	ReasonBadStatus   FailureReason = "bad_status"
	ReasonBadEnvelope FailureReason = "bad_envelope"
)

// CallFailedError is returned by Node.Call when the upstream exchange
// itself failed — as opposed to succeeding and carrying a JSON-RPC
// error object, which is a legitimate answer and never this error.
type CallFailedError struct {
	Reason FailureReason
	Err    error
}

func (e *CallFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream call failed (%s): %s", e.Reason, e.Err.Error())
	}

	return fmt.Sprintf("upstream call failed (%s)", e.Reason)
}

func (e *CallFailedError) Unwrap() error {
	return e.Err
}

// AbortedError is returned when the caller's context was cancelled
// before CALL_TIMEOUT elapsed (e.g. the client disconnected). The
// upstream's state is unknown, so this is never recorded as a failure.
type AbortedError struct {
	Err error
}

func (e *AbortedError) Error() string {
	return "upstream call aborted by caller: " + e.Err.Error()
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}
