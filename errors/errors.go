// Package errors provides the error taxonomy for the gateway: classification
// of errors into transient/invalid/fatal handling classes, sentinel values for
// the protocol, queue, and pipeline error conditions, and helpers for
// consistent wrapping across components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class represents how an error should be handled by the caller.
type Class int

const (
	// ClassTransient marks temporary errors that may be retried.
	ClassTransient Class = iota
	// ClassInvalid marks errors caused by bad input or configuration.
	ClassInvalid
	// ClassFatal marks unrecoverable errors that should stop the component.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors, grouped by the taxonomy the pipeline handles.
var (
	// Protocol errors: the metric is dropped and counted, processing continues.
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrUnknownMessageKind = errors.New("unknown message kind")
	ErrUnresolvedAlias    = errors.New("unresolved alias")
	ErrInvalidTopic       = errors.New("invalid topic")

	// Sequence errors: counted and rebaselined, never fatal.
	ErrSequenceGap = errors.New("sequence gap")

	// Connection errors: trigger the reconnect loop, publishes divert to the queue.
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost")
	ErrConnectTimeout = errors.New("connect timeout")

	// Queue errors: oldest entry dropped and counted, never raised to the producer.
	ErrQueueFull          = errors.New("queue full")
	ErrQueueClosed        = errors.New("queue closed")
	ErrJournalUnavailable = errors.New("journal unavailable")

	// Mapping errors: metric dropped with a reason code, never fatal.
	ErrNoMapping          = errors.New("no tag mapping")
	ErrLowQuality         = errors.New("quality below minimum")
	ErrDeadbandSuppressed = errors.New("deadband suppressed")
	ErrNonNumericValue    = errors.New("non-numeric value")
	ErrBadCalculation     = errors.New("bad calculation state")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrShuttingDown   = errors.New("shutting down")

	// Configuration errors: the only class surfaced to the operator at startup.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its handling class and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether an error is temporary and worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}

	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrJournalUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Fall back to message inspection for errors from third-party transports.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable", "broken pipe"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal reports whether an error should stop the owning component.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// IsInvalid reports whether an error was caused by bad input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassInvalid
	}

	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnknownMessageKind) ||
		errors.Is(err, ErrUnresolvedAlias) ||
		errors.Is(err, ErrInvalidTopic)
}

// Classify returns the handling class for an error. Unknown errors default to
// transient so callers err on the side of retrying.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case IsTransient(err):
		return ClassTransient
	case IsFatal(err):
		return ClassFatal
	case IsInvalid(err):
		return ClassInvalid
	default:
		return ClassTransient
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ClassTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ClassInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ClassFatal, err, component, method, action)
}

func wrapClassified(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}
