// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package txsvc

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation is reported when the engine has no room for another
	// instance or transaction. It is not fatal; the caller may retry later.
	ErrAllocation = errors.New("allocation failure")

	// ErrInvalidHandle is reported for an unknown instance or transaction.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrNullCallback is reported when a required callback is nil.
	ErrNullCallback = errors.New("nil callback")

	// ErrInvalidPolicy is reported for an unusable retry policy.
	ErrInvalidPolicy = errors.New("invalid retry policy")

	// ErrRetryExhausted is delivered to a response handler, never returned,
	// when a transaction gives up.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrCorrupted describes a datagram a handler reported as corrupted.
	// It appears only in trace records.
	ErrCorrupted = errors.New("corrupted datagram")
)

// Error is the concrete type of errors returned by the methods of an Engine.
type Error struct {
	Op  string // the operation that failed, e.g. "register"
	ID  uint32 // the instance or transaction id concerned, if any
	Err error  // the underlying error
}

// Unwrap reports the underlying error of e.
func (e *Error) Unwrap() error { return e.Err }

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s %d: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func opError(op string, id uint32, err error) *Error { return &Error{Op: op, ID: id, Err: err} }
