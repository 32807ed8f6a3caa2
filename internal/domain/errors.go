package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing decision, round, vote, session or checkpoint.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a write that collides with existing state, such as a duplicate vote.
	ErrConflict = errors.New("conflict")
	// ErrLocked marks a session update attempted while another update holds the session.
	ErrLocked = errors.New("locked")
	// ErrPersistence marks a storage read or write failure.
	ErrPersistence = errors.New("persistence failure")
	// ErrQueueFull marks a bounded queue that refused new work.
	ErrQueueFull = errors.New("queue full")
)

// Error carries one of the sentinel kinds together with the failing operation and cause.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, what, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", what, id)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: ErrConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Locked(op, key string) error {
	return &Error{Kind: ErrLocked, Op: op, Message: fmt.Sprintf("%q is locked by another update", key)}
}

func Persistence(op string, err error) error {
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

func QueueFull(op, key string) error {
	return &Error{Kind: ErrQueueFull, Op: op, Message: fmt.Sprintf("queue for %q is full", key)}
}
