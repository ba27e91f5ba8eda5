package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypePersistenceUnavailable indicates the durable store is unreachable or failed
	ErrorTypePersistenceUnavailable ErrorType = "PERSISTENCE_UNAVAILABLE"
	// ErrorTypeSerialization indicates an envelope could not be rendered to or parsed from the wire shape
	ErrorTypeSerialization ErrorType = "SERIALIZATION"
	// ErrorTypeSubscriber indicates a subscriber handler failed during delivery
	ErrorTypeSubscriber ErrorType = "SUBSCRIBER"
)

// EventError represents an error raised by the event substrate
type EventError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error returns the error message
func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *EventError) Unwrap() error {
	return e.Err
}

// New creates a new event error
func New(errorType ErrorType, message string) error {
	return &EventError{
		Type:    errorType,
		Message: message,
	}
}

// Wrap wraps an error with an event error
func Wrap(errorType ErrorType, message string, err error) error {
	return &EventError{
		Type:    errorType,
		Message: message,
		Err:     err,
	}
}

// PersistenceUnavailable creates a persistence unavailable error
func PersistenceUnavailable(message string, err error) error {
	return Wrap(ErrorTypePersistenceUnavailable, message, err)
}

// Serialization creates a serialization error
func Serialization(message string) error {
	return New(ErrorTypeSerialization, message)
}

// Subscriber creates a subscriber error
func Subscriber(message string, err error) error {
	return Wrap(ErrorTypeSubscriber, message, err)
}

// IsPersistenceUnavailable checks if an error is a persistence unavailable error
func IsPersistenceUnavailable(err error) bool {
	var evtErr *EventError
	if errors.As(err, &evtErr) {
		return evtErr.Type == ErrorTypePersistenceUnavailable
	}
	return false
}

// IsSerialization checks if an error is a serialization error
func IsSerialization(err error) bool {
	var evtErr *EventError
	if errors.As(err, &evtErr) {
		return evtErr.Type == ErrorTypeSerialization
	}
	return false
}

// IsSubscriber checks if an error is a subscriber error
func IsSubscriber(err error) bool {
	var evtErr *EventError
	if errors.As(err, &evtErr) {
		return evtErr.Type == ErrorTypeSubscriber
	}
	return false
}
