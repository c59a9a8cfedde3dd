// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Error codes recorded on an attempt's error_code column.
const (
	CodeNone      = -1
	CodeNotFound  = 404
	CodeTransient = 500
	CodeRejected  = 550
)

// NotFoundError is returned when a campaign or attempt is missing.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %v not found", e.Entity, e.ID)
}

// Helper constructors
func NewCampaignNotFound(id int) error {
	return &NotFoundError{Entity: "campaign", ID: id}
}

func NewAttemptNotFound(id any) error {
	return &NotFoundError{Entity: "attempt", ID: id}
}

// IsNotFound reports whether err (or anything it wraps) is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ConnectionError means the relay could not be reached or refused authentication.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectionError is a protocol-level refusal of the sender or recipients.
type RejectionError struct {
	Stage   string // "sender", "recipient" or "recipients"
	Address string
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s rejected (%d): %s", e.Stage, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s rejected (%d): %s", e.Stage, e.Address, e.Code, e.Message)
}

// TransientSendError wraps any other failure raised while submitting a message.
type TransientSendError struct {
	Err error
}

func (e *TransientSendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *TransientSendError) Unwrap() error { return e.Err }

// StoreError wraps persistence failures, including recovered panics.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Code maps an error to the numeric code recorded on an attempt.
func Code(err error) int {
	if err == nil {
		return CodeNone
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return CodeRejected
	}
	if IsNotFound(err) {
		return CodeNotFound
	}
	return CodeTransient
}
