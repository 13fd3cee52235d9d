// Package fault holds the error taxonomy shared by the pipeline. Components
// wrap these sentinels with fmt.Errorf("...: %w", ...) and callers classify
// with errors.Is or Code.
package fault

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrInvalidInput marks malformed or missing transaction fields. Only the
	// offending item is rejected.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a referenced transaction or submission that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransientUnavailable marks an unreachable ledger or scorer. Retryable.
	ErrTransientUnavailable = errors.New("transient unavailable")
	// ErrSubmissionRejected marks a write the ledger refused. The nonce was
	// not consumed and the sequencer must resync before a retry.
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrFeeCapExceeded marks an escalation beyond the configured maximum bid.
	ErrFeeCapExceeded = errors.New("fee cap exceeded")
	// ErrConfigurationFatal marks a missing key, bad contract address or an
	// unreachable endpoint at startup.
	ErrConfigurationFatal = errors.New("configuration fatal")
)

// Code is the stable, caller-facing name of an error class.
type Code string

const (
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeNotFound             Code = "NOT_FOUND"
	CodeTransientUnavailable Code = "TRANSIENT_UNAVAILABLE"
	CodeSubmissionRejected   Code = "SUBMISSION_REJECTED"
	CodeFeeCapExceeded       Code = "FEE_CAP_EXCEEDED"
	CodeConfigurationFatal   Code = "CONFIGURATION_FATAL"
	CodeInternal             Code = "INTERNAL"
)

// Classify maps err onto the taxonomy. Order matters: a wrapped chain may
// carry more than one sentinel and the most specific one wins.
func Classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigurationFatal):
		return CodeConfigurationFatal
	case errors.Is(err, ErrFeeCapExceeded):
		return CodeFeeCapExceeded
	case errors.Is(err, ErrSubmissionRejected):
		return CodeSubmissionRejected
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTransientUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return CodeTransientUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus is the response status for an error class.
func HTTPStatus(c Code) int {
	switch c {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTransientUnavailable:
		return http.StatusServiceUnavailable
	case CodeSubmissionRejected, CodeFeeCapExceeded:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a fresh attempt may succeed without operator action.
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeTransientUnavailable, CodeSubmissionRejected:
		return true
	default:
		return false
	}
}
