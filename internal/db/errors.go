package db

import (
	"errors"
	"fmt"
)

// Store fault kinds. Match them with errors.Is against any error returned by a queue store.
var (
	ErrDuplicateID = errors.New("duplicate record id")
	ErrIOFailure   = errors.New("storage io failure")
	ErrCorruption  = errors.New("stored record is corrupt")
)

// StoreError is the single error type surfaced by queue stores
type StoreError struct {
	Kind error
	ID   string
	Err  error
}

func (e *StoreError) Error() string {
	msg := e.Kind.Error()
	if e.ID != "" {
		msg = fmt.Sprintf("%s (id=%s)", msg, e.ID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StoreError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether a later attempt may succeed. Duplicate ids are a producer bug.
func (e *StoreError) Retryable() bool {
	return !errors.Is(e.Kind, ErrDuplicateID)
}

func storeErr(kind error, id string, err error) error {
	return &StoreError{Kind: kind, ID: id, Err: err}
}
