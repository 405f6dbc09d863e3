package mcp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure that can cross a component boundary. The kind travels on
// the wire inside the JSON-RPC error data, so both ends agree on it.
type ErrorKind string

// Error kinds.
const (
	KindUnknownSession      ErrorKind = "UnknownSession"
	KindAlreadyBound        ErrorKind = "AlreadyBound"
	KindSessionClosed       ErrorKind = "SessionClosed"
	KindChannelUnavailable  ErrorKind = "ChannelUnavailable"
	KindDuplicateCapability ErrorKind = "DuplicateCapability"
	KindNotFound            ErrorKind = "NotFound"
	KindHandlerError        ErrorKind = "HandlerError"
	KindRequestTimeout      ErrorKind = "RequestTimeout"
	KindMalformedRequest    ErrorKind = "MalformedRequest"
)

// Sentinel errors, one per ErrorKind. Use errors.Is to test for them; a *Failure of the
// same kind matches its sentinel.
var (
	ErrUnknownSession      = errors.New("unknown session")
	ErrAlreadyBound        = errors.New("session already bound to a push channel")
	ErrSessionClosed       = errors.New("session closed")
	ErrChannelUnavailable  = errors.New("push channel unavailable")
	ErrDuplicateCapability = errors.New("duplicate capability")
	ErrNotFound            = errors.New("capability not found")
	ErrHandlerError        = errors.New("handler error")
	ErrRequestTimeout      = errors.New("request timeout")
	ErrMalformedRequest    = errors.New("malformed request")
)

var kindSentinels = map[ErrorKind]error{
	KindUnknownSession:      ErrUnknownSession,
	KindAlreadyBound:        ErrAlreadyBound,
	KindSessionClosed:       ErrSessionClosed,
	KindChannelUnavailable:  ErrChannelUnavailable,
	KindDuplicateCapability: ErrDuplicateCapability,
	KindNotFound:            ErrNotFound,
	KindHandlerError:        ErrHandlerError,
	KindRequestTimeout:      ErrRequestTimeout,
	KindMalformedRequest:    ErrMalformedRequest,
}

var kindCodes = map[ErrorKind]int{
	KindUnknownSession:      jsonRPCSessionErrorCode,
	KindAlreadyBound:        jsonRPCSessionErrorCode,
	KindSessionClosed:       jsonRPCSessionErrorCode,
	KindChannelUnavailable:  jsonRPCChannelErrorCode,
	KindDuplicateCapability: jsonRPCDuplicateErrorCode,
	KindNotFound:            jsonRPCNotFoundCode,
	KindHandlerError:        jsonRPCInternalErrorCode,
	KindRequestTimeout:      jsonRPCRequestTimeoutCode,
	KindMalformedRequest:    jsonRPCInvalidParamsCode,
}

// Failure is the error half of a Response outcome: a kind plus a human readable message.
type Failure struct {
	Kind    ErrorKind
	Message string

	// code overrides the JSON-RPC code derived from Kind.
	code int
}

func newFailure(kind ErrorKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func newMethodNotFound(method string) *Failure {
	return &Failure{
		Kind:    KindMalformedRequest,
		Message: fmt.Sprintf("method %q not found", method),
		code:    jsonRPCMethodNotFoundCode,
	}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the sentinel error of the failure's kind.
func (f *Failure) Unwrap() error {
	return kindSentinels[f.Kind]
}

// JSONRPCError converts the failure into its wire representation.
func (f *Failure) JSONRPCError() JSONRPCError {
	code, ok := kindCodes[f.Kind]
	if !ok {
		code = jsonRPCInternalErrorCode
	}
	if f.code != 0 {
		code = f.code
	}
	return JSONRPCError{
		Code:    code,
		Message: f.Message,
		Data:    map[string]any{jsonRPCDataKindKey: string(f.Kind)},
	}
}

// AsFailure classifies err. Errors that already are (or wrap) a *Failure are returned as is,
// errors wrapping one of the sentinels get that kind, and anything else is a HandlerError.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return &Failure{Kind: kind, Message: err.Error()}
		}
	}
	return &Failure{Kind: KindHandlerError, Message: err.Error()}
}

// FailureFromJSONRPC rebuilds a *Failure from a JSON-RPC error object received from the peer.
// When the kind is absent the JSON-RPC code decides.
func FailureFromJSONRPC(jErr JSONRPCError) *Failure {
	if k, ok := jErr.Data[jsonRPCDataKindKey].(string); ok {
		if _, known := kindSentinels[ErrorKind(k)]; known {
			return &Failure{Kind: ErrorKind(k), Message: jErr.Message, code: jErr.Code}
		}
	}
	kind := KindHandlerError
	switch jErr.Code {
	case jsonRPCInvalidRequestCode, jsonRPCMethodNotFoundCode, jsonRPCInvalidParamsCode:
		kind = KindMalformedRequest
	case jsonRPCNotFoundCode:
		kind = KindNotFound
	case jsonRPCChannelErrorCode:
		kind = KindChannelUnavailable
	case jsonRPCRequestTimeoutCode:
		kind = KindRequestTimeout
	case jsonRPCSessionErrorCode:
		kind = KindUnknownSession
	}
	return &Failure{Kind: kind, Message: jErr.Message, code: jErr.Code}
}
