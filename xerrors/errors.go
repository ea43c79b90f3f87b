// Package xerrors defines the error taxonomy shared by every layer of the
// MMS client stack. Every type except ServiceError carries an underlying
// cause and returns it from Unwrap, so callers can errors.As/errors.Is
// across package boundaries, matching the fmt.Errorf("...: %w", err) habit
// used throughout the stack.
package xerrors

import "fmt"

// ProtocolError reports a malformed or unexpected PDU at a given layer
// (tpkt, cotp, session, presentation, acse, mms).
type ProtocolError struct {
	Layer string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %v", e.Layer, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(layer string, err error) *ProtocolError {
	return &ProtocolError{Layer: layer, Err: err}
}

// NegotiationError reports rejection of a handshake PDU (COTP CR, Session
// CONNECT, Presentation CP, ACSE AARQ, MMS Initiate) by the remote peer.
// Diagnostic carries the peer's stated reason when one was decoded, e.g. an
// ACSE result-source-diagnostic.
type NegotiationError struct {
	Layer      string
	Diagnostic string
	Err        error
}

func (e *NegotiationError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s: negotiation rejected (%s)", e.Layer, e.Diagnostic)
	}
	return fmt.Sprintf("%s: negotiation rejected", e.Layer)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func NewNegotiationError(layer, diagnostic string, err error) *NegotiationError {
	return &NegotiationError{Layer: layer, Diagnostic: diagnostic, Err: err}
}

// TimeoutError reports that a phase of the handshake or a confirmed request
// did not complete within its configured deadline.
type TimeoutError struct {
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func NewTimeoutError(phase string, err error) *TimeoutError {
	return &TimeoutError{Phase: phase, Err: err}
}

// ServiceError reports an MMS confirmed-ErrorPDU returned by the server in
// place of the expected confirmed-ResponsePDU for a given service.
type ServiceError struct {
	Service    string
	ErrorClass uint32
	ErrorCode  uint32
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("mms: %s rejected: errorClass=%d errorCode=%d", e.Service, e.ErrorClass, e.ErrorCode)
}

func NewServiceError(service string, errorClass, errorCode uint32) *ServiceError {
	return &ServiceError{Service: service, ErrorClass: errorClass, ErrorCode: errorCode}
}

// TransportError reports a failure in the underlying net.Conn itself — a
// dial failure, a read/write error, or an unexpected close — as distinct
// from a peer that spoke the protocol but rejected or malformed a PDU.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// DisassociatedError is returned to every pending and future caller once the
// connection has torn down, whether by local Close, peer abort/release, or
// transport failure. Err is the underlying cause when teardown was
// triggered by one (nil for a clean local Close or a synthetic peer
// notification that carries no separate cause).
type DisassociatedError struct {
	Reason string
	Err    error
}

func (e *DisassociatedError) Error() string {
	return fmt.Sprintf("disassociated: %s", e.Reason)
}

func (e *DisassociatedError) Unwrap() error { return e.Err }

func NewDisassociatedError(reason string) *DisassociatedError {
	return &DisassociatedError{Reason: reason}
}

// NewDisassociatedErrorFromCause wraps err as the reason a connection was
// torn down, preserving it for errors.As/errors.Unwrap instead of flattening
// it to a string.
func NewDisassociatedErrorFromCause(err error) *DisassociatedError {
	return &DisassociatedError{Reason: err.Error(), Err: err}
}

// CancelledError wraps a context cancellation observed while a request was
// outstanding, distinguishing caller-initiated cancellation from a timeout.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

func NewCancelledError(err error) *CancelledError {
	return &CancelledError{Err: err}
}
