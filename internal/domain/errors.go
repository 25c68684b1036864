package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error identifier carried over the wire.
type ErrorKind string

const (
	ErrCapabilityUnavailable ErrorKind = "CapabilityUnavailable"
	ErrModelUnavailable      ErrorKind = "ModelUnavailable"
	ErrModelDownloading      ErrorKind = "ModelDownloading"
	ErrInitializationFailed  ErrorKind = "InitializationFailed"
	ErrStreamingFailed       ErrorKind = "StreamingFailed"
	ErrChannelDisconnected   ErrorKind = "ChannelDisconnected"
	ErrPersistenceFailed     ErrorKind = "PersistenceFailed"
	ErrInvalidRequest        ErrorKind = "InvalidRequest"
	ErrUnknownAction         ErrorKind = "UnknownAction"
	ErrDuplicateRequest      ErrorKind = "DuplicateRequest"
	ErrGenerationFailed      ErrorKind = "GenerationFailed"
	ErrPageUnavailable       ErrorKind = "PageUnavailable"
)

// Retryable reports whether the caller should retry after a delay.
func (k ErrorKind) Retryable() bool {
	return k == ErrModelDownloading
}

// Error is a classified failure with an actionable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError classifies err, keeping its text as details.
func WrapError(kind ErrorKind, message string, err error) *Error {
	e := &Error{Kind: kind, Message: message, Err: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
