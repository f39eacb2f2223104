package runtime

import "fmt"

// Failure codes reported on TurnFailure.
const (
	FailureProviderError   = "provider_error"
	FailureAppendRejected  = "append_rejected"
	FailureLogAppendFailed = "log_append_failed"
	FailureLogReadFailed   = "log_read_failed"
	FailureSessionEnded    = "session_ended"
	FailureSessionFailed   = "session_failed"
	FailureQueueRejected   = "queue_rejected"
	FailureUnknownAgent    = "unknown_agent"
	FailureInvalidKey      = "invalid_key"
	FailureInternal        = "internal"
)

// TurnFailure is the structured error a caller receives when a turn
// cannot produce an agent response. Code is one of the Failure
// constants; Message is human readable.
type TurnFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TurnFailure) Error() string {
	return fmt.Sprintf("turn failed (%s): %s", e.Code, e.Message)
}

func failuref(code, format string, args ...interface{}) *TurnFailure {
	return &TurnFailure{Code: code, Message: fmt.Sprintf(format, args...)}
}
