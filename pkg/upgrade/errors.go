package upgrade

import "fmt"

// ErrorKind is the abstract error taxonomy from the upgrade contract.
// Every error the state machine surfaces through upgradeDidFail carries
// one of these kinds, even when it also wraps a lower-layer cause.
type ErrorKind string

const (
	ErrAlreadyRunning             ErrorKind = "already_running"
	ErrInvalidImage               ErrorKind = "invalid_image"
	ErrNilResponse                ErrorKind = "nil_response"
	ErrInvalidResponse            ErrorKind = "invalid_response"
	ErrRemoteReturnCode           ErrorKind = "remote_return_code"
	ErrTransport                  ErrorKind = "transport"
	ErrConnectionFailedAfterReset ErrorKind = "connection_failed_after_reset"

	// Semantic kinds, all parametric on the validation/confirm/test scan.
	ErrAlreadyConfirmedCannotTest ErrorKind = "already_confirmed_cannot_test"
	ErrNotPending                 ErrorKind = "not_pending"
	ErrNotPermanent               ErrorKind = "not_permanent"
	ErrBootFailed                 ErrorKind = "boot_failed"
	ErrNotConfirmed               ErrorKind = "not_confirmed"
	ErrSlotCountMismatch          ErrorKind = "slot_count_mismatch"
	ErrDowngradeRejected          ErrorKind = "downgrade_rejected"
)

// Error is the concrete error type the orchestrator returns and wraps.
// It is errors.Is-compatible against a bare ErrorKind and errors.Unwrap-compatible
// against whatever lower-layer cause produced it.
type Error struct {
	Kind ErrorKind
	Code int // populated for ErrRemoteReturnCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeKind) work against a bare ErrorKind sentinel.
func (e *Error) Is(target error) bool {
	if k, ok := target.(ErrorKind); ok {
		return e.Kind == k
	}
	return false
}

func (k ErrorKind) Error() string { return string(k) }

func newError(kind ErrorKind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: wrapped}
}

func remoteReturnCodeError(code int) *Error {
	return &Error{Kind: ErrRemoteReturnCode, Code: code, Msg: fmt.Sprintf("device reported rc=%d", code)}
}

func transportError(err error) *Error {
	return &Error{Kind: ErrTransport, Msg: "transport failure", Err: err}
}
