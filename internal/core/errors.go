package core

import "errors"

// Error kinds surfaced by the state machine. Timeout and
// IdExhausted are not redeclared here: callers see token.ErrTimeout and
// inflight.ErrIdExhausted directly, since those packages already own
// the authoritative sentinel for their failure.
var (
	// ErrExpectationFailed: a precondition was violated (allowed-to-send
	// denied, inflight saturated in gateway mode or past the saturation
	// retry bound, a blocked retry's await itself errored).
	ErrExpectationFailed = errors.New("core: expectation failed")

	// ErrInvalidResponse: a terminal frame arrived that doesn't match
	// the stored request per the codec's validity rules.
	ErrInvalidResponse = errors.New("core: invalid response")

	// ErrProtocolError: a terminal response carried a non-zero return code.
	ErrProtocolError = errors.New("core: protocol error")

	// ErrSecurityCheckFailed: inbound integrity verification failed;
	// the commit is dropped silently (the caller only logs).
	ErrSecurityCheckFailed = errors.New("core: security check failed")

	// ErrTransportFailure: surfaced from the transport write; the token
	// carrying the send is failed with this reason.
	ErrTransportFailure = errors.New("core: transport failure")

	// ErrUnexpectedDisconnect: a DISCONNECT arrived that didn't validly
	// answer the stored request.
	ErrUnexpectedDisconnect = errors.New("core: unexpected disconnect")
)
