// Package flowmqerr defines the semantic result kinds shared by the
// connection and producer layers. A broker or transport failure is always
// mapped to one of these kinds before it crosses a public API boundary, so
// callers can branch on "what kind of failure" without parsing strings.
package flowmqerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a semantic result kind. The zero value is Ok.
type Code int

const (
	Ok Code = iota
	Timeout
	NotConnected
	AlreadyClosed
	Interrupted
	ProducerQueueIsFull
	MemoryBufferIsFull
	MessageTooBig
	InvalidMessage
	ChecksumError
	CryptoError
	ProducerFenced
	ProducerBlockedQuotaExceededError
	ProducerBlockedQuotaExceededException
	TopicTerminated
	IncompatibleSchema
	AuthenticationError
	AuthorizationError
	BrokerMetadataError
	BrokerPersistenceError
	ServiceUnitNotReady
	Retryable
	UnknownError
	TooManyLookupRequestException
	ConnectError
)

var names = map[Code]string{
	Ok:                                     "Ok",
	Timeout:                                "Timeout",
	NotConnected:                           "NotConnected",
	AlreadyClosed:                          "AlreadyClosed",
	Interrupted:                            "Interrupted",
	ProducerQueueIsFull:                    "ProducerQueueIsFull",
	MemoryBufferIsFull:                     "MemoryBufferIsFull",
	MessageTooBig:                          "MessageTooBig",
	InvalidMessage:                         "InvalidMessage",
	ChecksumError:                          "ChecksumError",
	CryptoError:                            "CryptoError",
	ProducerFenced:                         "ProducerFenced",
	ProducerBlockedQuotaExceededError:      "ProducerBlockedQuotaExceededError",
	ProducerBlockedQuotaExceededException:  "ProducerBlockedQuotaExceededException",
	TopicTerminated:                        "TopicTerminated",
	IncompatibleSchema:                     "IncompatibleSchema",
	AuthenticationError:                    "AuthenticationError",
	AuthorizationError:                     "AuthorizationError",
	BrokerMetadataError:                    "BrokerMetadataError",
	BrokerPersistenceError:                 "BrokerPersistenceError",
	ServiceUnitNotReady:                    "ServiceUnitNotReady",
	Retryable:                              "Retryable",
	UnknownError:                           "UnknownError",
	TooManyLookupRequestException:          "TooManyLookupRequestException",
	ConnectError:                           "ConnectError",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error wraps a Code with an optional underlying cause, so call sites keep
// both the semantic kind and the original error chain.
type Error struct {
	Code  Code
	Cause error
}

func New(code Code) *Error {
	return &Error{Code: code}
}

func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, flowmqerr.New(Timeout)) match any *Error with the
// same Code, regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Of returns the Code carried by err if it is (or wraps) a *Error, and
// UnknownError otherwise.
func Of(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}

// IsRetryable reports whether err's kind should drive the handler base to
// reconnect/retry rather than fail terminally.
func IsRetryable(err error) bool {
	switch Of(err) {
	case Retryable, ServiceUnitNotReady, NotConnected, Timeout:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether err's kind should fail pending operations
// outright with no further retry.
func IsTerminal(err error) bool {
	switch Of(err) {
	case ProducerFenced, ProducerBlockedQuotaExceededException, AuthenticationError,
		TopicTerminated, IncompatibleSchema:
		return true
	default:
		return false
	}
}

// ServerError is the broker-side error code carried on an ERROR command.
// The numeric values mirror the wire protocol's enum ordering; they are
// opaque to everything except FromServerError.
type ServerError int

const (
	ServerUnknownError ServerError = iota
	ServerMetadataError
	ServerPersistenceError
	ServerAuthenticationError
	ServerAuthorizationError
	ServerConsumerBusy
	ServerServiceNotReady
	ServerProducerBlockedQuotaExceededError
	ServerProducerBlockedQuotaExceededException
	ServerTopicTerminated
	ServerProducerBusy
	ServerInvalidTopicName
	ServerIncompatibleSchema
	ServerTooManyRequests
	ServerChecksumError
	ServerProducerFenced
)

// FromServerError maps a broker ServerError (plus its free-text message, used
// only to disambiguate ServiceNotReady) to a library Code.
func FromServerError(se ServerError, message string) Code {
	switch se {
	case ServerServiceNotReady:
		if strings.Contains(message, "BrokerServerException") {
			return ServiceUnitNotReady
		}
		return Retryable
	case ServerTooManyRequests:
		return TooManyLookupRequestException
	case ServerProducerFenced:
		return ProducerFenced
	case ServerProducerBlockedQuotaExceededError:
		return ProducerBlockedQuotaExceededError
	case ServerProducerBlockedQuotaExceededException:
		return ProducerBlockedQuotaExceededException
	case ServerTopicTerminated:
		return TopicTerminated
	case ServerIncompatibleSchema:
		return IncompatibleSchema
	case ServerAuthenticationError:
		return AuthenticationError
	case ServerAuthorizationError:
		return AuthorizationError
	case ServerMetadataError:
		return BrokerMetadataError
	case ServerPersistenceError:
		return BrokerPersistenceError
	case ServerChecksumError:
		return ChecksumError
	case ServerInvalidTopicName:
		return InvalidMessage
	default:
		return UnknownError
	}
}

// ForcesReconnect reports whether a response carrying this server error
// should close the socket to force a fresh connection: on ServiceNotReady
// or TooManyRequests, the socket is no longer trustworthy.
func ForcesReconnect(se ServerError) bool {
	return se == ServerServiceNotReady || se == ServerTooManyRequests
}
